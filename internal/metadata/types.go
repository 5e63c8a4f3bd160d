package metadata

import (
	"strings"
	"time"
)

// Dataset is the top-level unit of shared data, owned by one address.
type Dataset struct {
	ID          string    `bson:"id" json:"id"`
	Uploader    string    `bson:"uploader" json:"uploader"`
	Published   bool      `bson:"published" json:"published"`
	Title       string    `bson:"title" json:"title"`
	Description string    `bson:"description" json:"description"`
	AuthorIDs   []string  `bson:"author_ids" json:"authorIds"`
	ChunkIDs    []string  `bson:"chunk_ids" json:"chunkIds"`
	Keywords    []string  `bson:"keywords" json:"keywords"`
	CreatedAt   time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updatedAt"`
}

// StorageIDs locates a chunk in the blob store.
type StorageIDs struct {
	BlobStoreID string `bson:"blob_store_id" json:"blobStoreId"`
}

// Chunk is one packed archive in the blob store holding one or more files.
type Chunk struct {
	ID         string     `bson:"id" json:"id"`
	DatasetID  string     `bson:"dataset_id" json:"datasetId"`
	FileIDs    []string   `bson:"file_ids" json:"fileIds"`
	StorageIDs StorageIDs `bson:"storage_ids" json:"storageIds"`
	Size       int64      `bson:"size" json:"size"`
}

// File is one logical file packed into a chunk.
type File struct {
	ID      string `bson:"id" json:"id"`
	ChunkID string `bson:"chunk_id" json:"chunkId"`
	Name    string `bson:"name" json:"name"`
	Path    string `bson:"path" json:"path"`
	Size    int64  `bson:"size" json:"size"`
}

// Author is a named contributor referenced from Dataset.AuthorIDs.
type Author struct {
	ID   string `bson:"id" json:"id"`
	Name string `bson:"name" json:"name"`
}

// DatasetFilter selects datasets. Zero fields are ignored.
type DatasetFilter struct {
	IDs       []string
	Uploader  string
	Published *bool
	// Text matches any term against title, description and keywords.
	Text string
}

// IsEmpty reports whether the filter would match every dataset.
func (f DatasetFilter) IsEmpty() bool {
	return f.IDs == nil && f.Uploader == "" && f.Published == nil && f.Text == ""
}

// ChunkFilter selects chunks.
type ChunkFilter struct {
	IDs         []string
	DatasetIDs  []string
	BlobStoreID string
}

// IsEmpty reports whether the filter would match every chunk.
func (f ChunkFilter) IsEmpty() bool {
	return f.IDs == nil && f.DatasetIDs == nil && f.BlobStoreID == ""
}

// FileFilter selects files.
type FileFilter struct {
	IDs      []string
	ChunkIDs []string
}

// IsEmpty reports whether the filter would match every file.
func (f FileFilter) IsEmpty() bool {
	return f.IDs == nil && f.ChunkIDs == nil
}

// AuthorFilter selects authors.
type AuthorFilter struct {
	IDs []string
}

// DatasetPatch lists the fields an update sets. Nil fields are left alone.
type DatasetPatch struct {
	Published   *bool
	Title       *string
	Description *string
	AuthorIDs   []string
	Keywords    []string
}

// Bool returns a pointer to b, for filters and patches.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }

// NormalizeAddress lowercases and trims an owner address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
