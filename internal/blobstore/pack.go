package blobstore

import (
	"archive/tar"
	"bytes"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry is one file inside a packed chunk.
type Entry struct {
	Path string
	Data []byte
}

// CleanPath normalizes an archive path and rejects paths escaping the
// archive root.
func CleanPath(p string) (string, bool) {
	p = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if p == "" || p == "." {
		return "", false
	}
	return p, true
}

// Pack writes entries into a zstd compressed tar archive.
func Pack(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	tw := tar.NewWriter(zw)

	for _, e := range entries {
		name, ok := CleanPath(e.Path)
		if !ok {
			return nil, Error.New("invalid path %q", e.Path)
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(e.Data)),
			ModTime: time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, Error.Wrap(err)
		}
		if _, err := tw.Write(e.Data); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := zw.Close(); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Unpack reverses Pack.
func Unpack(data []byte) ([]Entry, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer zr.Close()

	var entries []Entry
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, Error.Wrap(err)
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		entries = append(entries, Entry{Path: hdr.Name, Data: b})
	}
}
