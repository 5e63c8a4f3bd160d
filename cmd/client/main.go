package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/opscientia/opsci-commons-rbac/internal/blobstore"
	"github.com/opscientia/opsci-commons-rbac/internal/manager"
	"github.com/opscientia/opsci-commons-rbac/internal/server"
	"github.com/opscientia/opsci-commons-rbac/internal/signature"
)

const requestTimeout = 30 * time.Second

// settings are read from flags or REGISTRY_CLIENT_* environment variables.
var vip = viper.New()

func main() {
	root := &cobra.Command{
		Use:           "registry-client",
		Short:         "Sign and send requests to a dataset registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("server", "localhost:50051", "gRPC address of the registry")
	flags.String("http", "http://localhost:8080", "HTTP base URL of the registry, used for uploads")
	flags.String("key", "", "hex encoded wallet private key")
	if err := vip.BindPFlags(flags); err != nil {
		panic(err)
	}
	vip.SetEnvPrefix("REGISTRY_CLIENT")
	vip.AutomaticEnv()

	publish := &cobra.Command{
		Use:   "publish <datasetId>",
		Short: "Publish an uploaded dataset",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdPublish,
	}
	publish.Flags().String("title", "", "dataset title")
	publish.Flags().String("description", "", "dataset description")
	publish.Flags().String("authors", "", "comma separated author names")
	publish.Flags().String("keywords", "", "comma separated keywords")

	deleteCmd := &cobra.Command{
		Use:   "delete <blobGroupId>",
		Short: "Delete an unpublished dataset by its blob group",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdDelete,
	}

	upload := &cobra.Command{
		Use:   "upload <path>...",
		Short: "Upload files as a new dataset",
		Args:  cobra.MinimumNArgs(1),
		RunE:  cmdUpload,
	}

	files := &cobra.Command{
		Use:   "files [address]",
		Short: "List the files of an address, the own wallet by default",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cmdFiles,
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search published datasets",
		Args:  cobra.MinimumNArgs(1),
		RunE:  cmdSearch,
	}

	download := &cobra.Command{
		Use:   "download <datasetId> <chunkId>",
		Short: "Download and unpack a chunk of a published dataset",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdDownload,
	}
	download.Flags().String("out", ".", "directory the chunk files are written to")

	address := &cobra.Command{
		Use:   "address",
		Short: "Print the address of the configured key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadKey()
			if err != nil {
				return err
			}
			fmt.Println(signature.Address(key))
			return nil
		},
	}

	root.AddCommand(publish, deleteCmd, upload, files, search, download, address)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadKey() (*ecdsa.PrivateKey, error) {
	hexKey := strings.TrimPrefix(strings.TrimSpace(vip.GetString("key")), "0x")
	if hexKey == "" {
		return nil, errs.New("no key configured, use --key or REGISTRY_CLIENT_KEY")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errs.New("invalid key: %v", err)
	}
	return key, nil
}

func sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := signature.Sign(message, key)
	if err != nil {
		return "", err
	}
	return signature.EncodeSignature(sig), nil
}

// call connects to the gRPC API, invokes method and prints the response.
func call(cmd *cobra.Command, method string, fields map[string]any) error {
	conn, err := grpc.NewClient(vip.GetString("server"), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return errs.New("failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	out, err := server.NewRegistryClient(conn).Call(ctx, method, fields)
	if err != nil {
		return err
	}
	return printStruct(cmd.OutOrStdout(), out)
}

func printStruct(w io.Writer, out *structpb.Struct) error {
	data, err := protojson.MarshalOptions{Multiline: true}.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func cmdPublish(cmd *cobra.Command, args []string) error {
	key, err := loadKey()
	if err != nil {
		return err
	}
	address, datasetID := signature.Address(key), args[0]
	sig, err := sign(key, manager.PublishMessage(address, datasetID))
	if err != nil {
		return err
	}

	flag := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	return call(cmd, "Publish", map[string]any{
		"address":     address,
		"signature":   sig,
		"datasetId":   datasetID,
		"title":       flag("title"),
		"description": flag("description"),
		"authors":     flag("authors"),
		"keywords":    flag("keywords"),
	})
}

func cmdDelete(cmd *cobra.Command, args []string) error {
	key, err := loadKey()
	if err != nil {
		return err
	}
	address, blobGroupID := signature.Address(key), args[0]
	sig, err := sign(key, manager.DeleteMessage(address, blobGroupID))
	if err != nil {
		return err
	}
	return call(cmd, "Delete", map[string]any{
		"address":     address,
		"blobGroupId": blobGroupID,
		"signature":   sig,
	})
}

func cmdFiles(cmd *cobra.Command, args []string) error {
	var address string
	if len(args) == 1 {
		address = args[0]
	} else {
		key, err := loadKey()
		if err != nil {
			return err
		}
		address = signature.Address(key)
	}
	return call(cmd, "FilesOfOwner", map[string]any{"address": address})
}

func cmdSearch(cmd *cobra.Command, args []string) error {
	return call(cmd, "Search", map[string]any{"query": strings.Join(args, " ")})
}

// cmdUpload sends the files as a multipart form to the HTTP API. Each file
// keeps its path relative to the working directory.
func cmdUpload(cmd *cobra.Command, args []string) error {
	key, err := loadKey()
	if err != nil {
		return err
	}
	address := signature.Address(key)
	sig, err := sign(key, manager.UploadMessage(address))
	if err != nil {
		return err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := errs.Combine(mw.WriteField("address", address), mw.WriteField("signature", sig)); err != nil {
		return err
	}
	for _, p := range args {
		if err := mw.WriteField("paths", filepath.ToSlash(p)); err != nil {
			return err
		}
	}
	for _, p := range args {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		fw, err := mw.CreateFormFile("files", filepath.Base(p))
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	url := strings.TrimSuffix(vip.GetString("http"), "/") + manager.UploadRoute
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errs.New("upload failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(respBody))
	return err
}

// cmdDownload fetches a chunk archive over HTTP and writes its files below
// --out.
func cmdDownload(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("out")

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/datasets/%s/chunks/%s/archive", strings.TrimSuffix(vip.GetString("http"), "/"), args[0], args[1])
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errs.New("download failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	entries, err := blobstore.Unpack(body)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name, ok := blobstore.CleanPath(e.Path)
		if !ok || name == manager.ChunkManifest {
			continue
		}
		dst := filepath.Join(out, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, e.Data, 0o644); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), dst)
	}
	return nil
}
