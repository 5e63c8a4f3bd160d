package signature

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier checks that a signature over message was produced by the key
// behind claimedAddress.
type Verifier interface {
	Verify(message string, signature []byte, claimedAddress string) bool
}

// EthereumVerifier verifies personal_sign signatures as produced by
// Ethereum wallets.
type EthereumVerifier struct{}

// NewVerifier returns the wallet signature verifier.
func NewVerifier() EthereumVerifier {
	return EthereumVerifier{}
}

// Verify recovers the signer of message and compares it against
// claimedAddress, ignoring hex case. Malformed input never matches.
func (EthereumVerifier) Verify(message string, signature []byte, claimedAddress string) bool {
	recovered, ok := Recover(message, signature)
	if !ok {
		return false
	}
	return strings.EqualFold(recovered, strings.TrimSpace(claimedAddress))
}

// Recover returns the lowercase address that signed message.
func Recover(message string, signature []byte) (string, bool) {
	if len(signature) != crypto.SignatureLength {
		return "", false
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	// wallets emit v as 27/28, recovery wants 0/1
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return "", false
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", false
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), true
}

// Sign produces a 65 byte personal_sign signature over message with v in
// 27/28, matching what browser wallets return.
func Sign(message string, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Address returns the lowercase 0x-prefixed address of key.
func Address(key *ecdsa.PrivateKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

// DecodeSignature decodes a 0x-prefixed hex signature. Undecodable input
// yields nil so that it fails verification instead of validation.
func DecodeSignature(s string) []byte {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return b
}

// EncodeSignature is the inverse of DecodeSignature.
func EncodeSignature(sig []byte) string {
	return hexutil.Encode(sig)
}
