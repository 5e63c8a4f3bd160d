package manager

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/opscientia/opsci-commons-rbac/internal/blobstore"
	"github.com/opscientia/opsci-commons-rbac/internal/metadata"
)

// OwnedFile is a file together with the blob group holding its chunk.
type OwnedFile struct {
	metadata.File
	BlobStoreID string `json:"blobStoreId"`
}

// Queries serves the read side. List operations return an empty slice when
// nothing matches; single-record lookups return ErrNotFound.
type Queries struct {
	log   *zap.Logger
	store metadata.Store
	blobs blobstore.Store
}

// NewQueries creates the query service.
func NewQueries(log *zap.Logger, store metadata.Store, blobs blobstore.Store) *Queries {
	return &Queries{log: log, store: store, blobs: blobs}
}

func (q *Queries) datasets(ctx context.Context, filter metadata.DatasetFilter) ([]metadata.Dataset, error) {
	datasets, err := q.store.GetDatasets(ctx, filter)
	if err != nil {
		q.log.Error("dataset query failed", zap.Error(err))
		return nil, ErrStore.Wrap(err)
	}
	return datasets, nil
}

// publishedDataset returns the dataset only if it is published, so that
// unpublished ids stay hidden from the child listings.
func (q *Queries) publishedDataset(ctx context.Context, id string) (metadata.Dataset, error) {
	if strings.TrimSpace(id) == "" {
		return metadata.Dataset{}, ErrValidation.New("missing dataset id")
	}
	datasets, err := q.datasets(ctx, metadata.DatasetFilter{IDs: []string{id}, Published: metadata.Bool(true)})
	if err != nil {
		return metadata.Dataset{}, err
	}
	if len(datasets) == 0 {
		return metadata.Dataset{}, ErrNotFound.New("dataset %q", id)
	}
	return datasets[0], nil
}

// ByOwner returns every dataset uploaded by address, published or not.
func (q *Queries) ByOwner(ctx context.Context, address string) (_ []metadata.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)
	if strings.TrimSpace(address) == "" {
		return nil, ErrValidation.New("missing address")
	}
	return q.datasets(ctx, metadata.DatasetFilter{Uploader: address})
}

// AllPublished returns every published dataset.
func (q *Queries) AllPublished(ctx context.Context) (_ []metadata.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)
	return q.datasets(ctx, metadata.DatasetFilter{Published: metadata.Bool(true)})
}

// PublishedByID returns the published dataset id.
func (q *Queries) PublishedByID(ctx context.Context, id string) (_ metadata.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)
	return q.publishedDataset(ctx, id)
}

// PublishedByUploader returns the published datasets of address.
func (q *Queries) PublishedByUploader(ctx context.Context, address string) (_ []metadata.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)
	if strings.TrimSpace(address) == "" {
		return nil, ErrValidation.New("missing uploader")
	}
	return q.datasets(ctx, metadata.DatasetFilter{Uploader: address, Published: metadata.Bool(true)})
}

// SearchPublished runs a text search over published datasets.
func (q *Queries) SearchPublished(ctx context.Context, text string) (_ []metadata.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)
	if strings.TrimSpace(text) == "" {
		return nil, ErrValidation.New("missing search query")
	}
	return q.datasets(ctx, metadata.DatasetFilter{Text: text, Published: metadata.Bool(true)})
}

// ChunksOfPublishedDataset lists the chunks of a published dataset.
func (q *Queries) ChunksOfPublishedDataset(ctx context.Context, datasetID string) (_ []metadata.Chunk, err error) {
	defer mon.Task()(&ctx)(&err)

	dataset, err := q.publishedDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	chunks, err := q.store.GetChunks(ctx, metadata.ChunkFilter{IDs: append([]string{}, dataset.ChunkIDs...)})
	if err != nil {
		return nil, ErrStore.Wrap(err)
	}
	return chunks, nil
}

// ChunkArchive returns the packed archive of a chunk of a published
// dataset.
func (q *Queries) ChunkArchive(ctx context.Context, datasetID, chunkID string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	if strings.TrimSpace(chunkID) == "" {
		return nil, ErrValidation.New("missing chunk id")
	}

	dataset, err := q.publishedDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(dataset.ChunkIDs, chunkID) {
		return nil, ErrNotFound.New("chunk %q of dataset %q", chunkID, datasetID)
	}
	chunks, err := q.store.GetChunks(ctx, metadata.ChunkFilter{IDs: []string{chunkID}})
	if err != nil {
		return nil, ErrStore.Wrap(err)
	}
	if len(chunks) == 0 || chunks[0].StorageIDs.BlobStoreID == "" {
		return nil, ErrNotFound.New("chunk %q", chunkID)
	}

	data, err := q.blobs.Get(ctx, chunks[0].StorageIDs.BlobStoreID)
	switch {
	case blobstore.ErrNotFound.Has(err):
		return nil, ErrNotFound.New("blob of chunk %q", chunkID)
	case err != nil:
		q.log.Error("chunk download failed", zap.String("chunk", chunkID), zap.Error(err))
		return nil, ErrStore.Wrap(err)
	}
	return data, nil
}

// AuthorsOfPublishedDataset lists the authors of a published dataset in
// the order they were given at publish time.
func (q *Queries) AuthorsOfPublishedDataset(ctx context.Context, datasetID string) (_ []metadata.Author, err error) {
	defer mon.Task()(&ctx)(&err)

	dataset, err := q.publishedDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	authors, err := q.store.GetAuthors(ctx, metadata.AuthorFilter{IDs: append([]string{}, dataset.AuthorIDs...)})
	if err != nil {
		return nil, ErrStore.Wrap(err)
	}

	byID := make(map[string]metadata.Author, len(authors))
	for _, a := range authors {
		byID[a.ID] = a
	}
	ordered := make([]metadata.Author, 0, len(authors))
	for _, id := range dataset.AuthorIDs {
		if a, ok := byID[id]; ok {
			ordered = append(ordered, a)
		}
	}
	return ordered, nil
}

// FilesOfOwner resolves address to its datasets, their chunks and their
// files, attaching to each file the blob group of its chunk. The join runs
// in memory.
func (q *Queries) FilesOfOwner(ctx context.Context, address string) (_ []OwnedFile, err error) {
	defer mon.Task()(&ctx)(&err)
	if strings.TrimSpace(address) == "" {
		return nil, ErrValidation.New("missing address")
	}

	datasets, err := q.datasets(ctx, metadata.DatasetFilter{Uploader: address})
	if err != nil {
		return nil, err
	}
	chunkIDs := []string{}
	for _, d := range datasets {
		chunkIDs = append(chunkIDs, d.ChunkIDs...)
	}
	if len(chunkIDs) == 0 {
		return []OwnedFile{}, nil
	}

	chunks, err := q.store.GetChunks(ctx, metadata.ChunkFilter{IDs: chunkIDs})
	if err != nil {
		return nil, ErrStore.Wrap(err)
	}
	blobOf := make(map[string]string, len(chunks))
	ownedChunks := make([]string, 0, len(chunks))
	for _, c := range chunks {
		blobOf[c.ID] = c.StorageIDs.BlobStoreID
		ownedChunks = append(ownedChunks, c.ID)
	}

	files, err := q.store.GetFiles(ctx, metadata.FileFilter{ChunkIDs: ownedChunks})
	if err != nil {
		return nil, ErrStore.Wrap(err)
	}
	owned := make([]OwnedFile, 0, len(files))
	for _, f := range files {
		owned = append(owned, OwnedFile{File: f, BlobStoreID: blobOf[f.ChunkID]})
	}
	return owned, nil
}
