package metadata

import (
	"context"

	"github.com/zeebo/errs"
)

// Error is the class of every failure raised by a Store.
var Error = errs.Class("metadata store")

// ErrEmptyFilter is returned by deletes that would match every record.
var ErrEmptyFilter = Error.New("refusing delete with empty filter")

// Store defines the interface for metadata storage operations. Each call is
// atomic on its own; nothing spans entity kinds, so callers that touch
// several kinds must tolerate failure between calls.
type Store interface {
	GetDatasets(ctx context.Context, filter DatasetFilter) ([]Dataset, error)
	InsertDataset(ctx context.Context, dataset Dataset) (bool, error)
	UpdateDataset(ctx context.Context, filter DatasetFilter, patch DatasetPatch) (bool, error)
	DeleteDataset(ctx context.Context, filter DatasetFilter) (bool, error)

	GetChunks(ctx context.Context, filter ChunkFilter) ([]Chunk, error)
	InsertChunk(ctx context.Context, chunk Chunk) (bool, error)
	DeleteChunks(ctx context.Context, filter ChunkFilter) (bool, error)

	GetFiles(ctx context.Context, filter FileFilter) ([]File, error)
	InsertFiles(ctx context.Context, files []File) (bool, error)
	DeleteFiles(ctx context.Context, filter FileFilter) (bool, error)

	GetAuthors(ctx context.Context, filter AuthorFilter) ([]Author, error)
	InsertAuthor(ctx context.Context, author Author) (bool, error)

	Close(ctx context.Context) error
}
