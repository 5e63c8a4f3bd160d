package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/opscientia/opsci-commons-rbac/internal/hash"
)

const (
	dataFile     = "data"
	checksumFile = "checksum"
)

// node is one storage directory.
type node struct {
	id   string
	path string
	mu   sync.RWMutex
}

func (n *node) blobPath(id string) string {
	return filepath.Join(n.path, id[:2], id)
}

func (n *node) write(id string, data []byte, checksum string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	dir := n.blobPath(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, dataFile), data, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, checksumFile), []byte(checksum), 0o644)
}

func (n *node) read(id string) ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	dir := n.blobPath(id)
	data, err := os.ReadFile(filepath.Join(dir, dataFile))
	if err != nil {
		return nil, err
	}
	stored, err := os.ReadFile(filepath.Join(dir, checksumFile))
	if err != nil {
		return nil, err
	}
	if checksum(data) != string(stored) || string(stored) != id {
		return nil, Error.New("checksum mismatch on node %s: data corrupted", n.id)
	}
	return data, nil
}

func (n *node) remove(id string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	dir := n.blobPath(id)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	// drop the fan-out directory once empty
	_ = os.Remove(filepath.Dir(dir))
	return true, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Local is a content-addressed blob store on the local filesystem. Blobs
// are replicated over node directories chosen by a consistent-hash ring.
type Local struct {
	log   *zap.Logger
	ring  *hash.Ring
	nodes map[string]*node
}

var _ Store = (*Local)(nil)

// NewLocal creates one node directory per entry in nodeIDs under root and
// stores every blob on replicas of them.
func NewLocal(log *zap.Logger, root string, nodeIDs []string, replicas int) (*Local, error) {
	if len(nodeIDs) == 0 {
		return nil, Error.New("no storage nodes configured")
	}

	l := &Local{
		log:   log,
		ring:  hash.NewRing(hash.DefaultVirtualNodes, replicas),
		nodes: make(map[string]*node, len(nodeIDs)),
	}
	for _, id := range nodeIDs {
		path := filepath.Join(root, id)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, Error.Wrap(err)
		}
		l.nodes[id] = &node{id: id, path: path}
		l.ring.Add(id)
	}
	log.Info("blob store ready",
		zap.String("root", root),
		zap.Strings("nodes", l.ring.Members()),
		zap.Int("replicas", replicas))
	return l, nil
}

// Store writes data to every replica node and returns its sha256 id.
// Storing succeeds if at least one replica was written.
func (l *Local) Store(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Error.Wrap(err)
	}

	id := checksum(data)
	var stored int
	var group errs.Group
	for _, nodeID := range l.ring.Locate(id) {
		if err := l.nodes[nodeID].write(id, data, id); err != nil {
			l.log.Warn("failed to store blob on node", zap.String("node", nodeID), zap.String("blob", id), zap.Error(err))
			group.Add(err)
			continue
		}
		stored++
	}
	if stored == 0 {
		return "", Error.New("failed to store blob on any node: %v", group.Err())
	}
	return id, nil
}

// Get returns the blob from the first replica whose checksum verifies.
func (l *Local) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	if !validID(id) {
		return nil, ErrNotFound.New("%q", id)
	}

	var lastErr error
	for _, nodeID := range l.ring.Locate(id) {
		data, err := l.nodes[nodeID].read(id)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr == nil || errors.Is(lastErr, fs.ErrNotExist) {
		return nil, ErrNotFound.New("%q", id)
	}
	return nil, Error.Wrap(lastErr)
}

// Delete removes the blob from all replicas. Filesystem removal is not
// retried, so retries is ignored.
func (l *Local) Delete(ctx context.Context, id string, retries int) error {
	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}
	if !validID(id) {
		return ErrNotFound.New("%q", id)
	}

	var removed bool
	var group errs.Group
	for _, nodeID := range l.ring.Locate(id) {
		ok, err := l.nodes[nodeID].remove(id)
		if err != nil {
			group.Add(err)
			continue
		}
		removed = removed || ok
	}
	if err := group.Err(); err != nil {
		return Error.Wrap(err)
	}
	if !removed {
		return ErrNotFound.New("%q", id)
	}
	return nil
}

func validID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil && !bytes.ContainsAny([]byte(id), "ABCDEF")
}
