package metadata

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
)

// MemoryStore keeps all records in process memory. Iteration follows
// insertion order. Dataset text is indexed in a memory-only bleve index
// with English stemming, like the Mongo text index.
type MemoryStore struct {
	mu sync.RWMutex

	datasets []Dataset
	chunks   []Chunk
	files    []File
	authors  []Author

	text bleve.Index
}

var _ Store = (*MemoryStore)(nil)

func buildTextMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()
	for _, field := range []string{"title", "description", "keywords"} {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = en.AnalyzerName
		fm.Store = false
		doc.AddFieldMappingsAt(field, fm)
	}

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = en.AnalyzerName
	return m
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	index, err := bleve.NewMemOnly(buildTextMapping())
	if err != nil {
		// the mapping is static, so this only fails on a programming error
		panic(err)
	}
	return &MemoryStore{text: index}
}

func matchIDs(ids []string, id string) bool {
	return ids == nil || slices.Contains(ids, id)
}

func textDocument(d *Dataset) map[string]any {
	return map[string]any{
		"title":       d.Title,
		"description": d.Description,
		"keywords":    d.Keywords,
	}
}

// searchText returns the ids of datasets matching any analyzed term of
// text. Callers hold m.mu.
func (m *MemoryStore) searchText(text string) (map[string]bool, error) {
	q := bleve.NewMatchQuery(text)
	q.Analyzer = en.AnalyzerName
	req := bleve.NewSearchRequestOptions(q, len(m.datasets)+1, 0, false)

	res, err := m.text.Search(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	hits := make(map[string]bool, len(res.Hits))
	for _, hit := range res.Hits {
		hits[hit.ID] = true
	}
	return hits, nil
}

// match checks every field but Text, which is resolved against the index
// into textHits beforehand. A nil textHits means no text condition.
func (f DatasetFilter) match(d *Dataset, textHits map[string]bool) bool {
	return matchIDs(f.IDs, d.ID) &&
		(f.Uploader == "" || d.Uploader == NormalizeAddress(f.Uploader)) &&
		(f.Published == nil || d.Published == *f.Published) &&
		(textHits == nil || textHits[d.ID])
}

func (m *MemoryStore) textHits(filter DatasetFilter) (map[string]bool, error) {
	if filter.Text == "" {
		return nil, nil
	}
	return m.searchText(filter.Text)
}

func (f ChunkFilter) match(c *Chunk) bool {
	return matchIDs(f.IDs, c.ID) &&
		matchIDs(f.DatasetIDs, c.DatasetID) &&
		(f.BlobStoreID == "" || c.StorageIDs.BlobStoreID == f.BlobStoreID)
}

func (f FileFilter) match(file *File) bool {
	return matchIDs(f.IDs, file.ID) && matchIDs(f.ChunkIDs, file.ChunkID)
}

func (d Dataset) clone() Dataset {
	d.AuthorIDs = slices.Clone(d.AuthorIDs)
	d.ChunkIDs = slices.Clone(d.ChunkIDs)
	d.Keywords = slices.Clone(d.Keywords)
	return d
}

func (c Chunk) clone() Chunk {
	c.FileIDs = slices.Clone(c.FileIDs)
	return c
}

// GetDatasets returns copies of the datasets matching filter.
func (m *MemoryStore) GetDatasets(ctx context.Context, filter DatasetFilter) ([]Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits, err := m.textHits(filter)
	if err != nil {
		return nil, err
	}
	out := []Dataset{}
	for i := range m.datasets {
		if filter.match(&m.datasets[i], hits) {
			out = append(out, m.datasets[i].clone())
		}
	}
	return out, nil
}

// InsertDataset stores a new dataset, rejecting duplicate ids.
func (m *MemoryStore) InsertDataset(ctx context.Context, dataset Dataset) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.datasets {
		if m.datasets[i].ID == dataset.ID {
			return false, Error.New("duplicate dataset id %q", dataset.ID)
		}
	}
	now := time.Now()
	dataset = dataset.clone()
	dataset.Uploader = NormalizeAddress(dataset.Uploader)
	if dataset.CreatedAt.IsZero() {
		dataset.CreatedAt = now
	}
	dataset.UpdatedAt = now
	if err := m.text.Index(dataset.ID, textDocument(&dataset)); err != nil {
		return false, Error.Wrap(err)
	}
	m.datasets = append(m.datasets, dataset)
	return true, nil
}

// UpdateDataset patches the first dataset matching filter under the store
// lock, so readers see either the old or the new record.
func (m *MemoryStore) UpdateDataset(ctx context.Context, filter DatasetFilter, patch DatasetPatch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	hits, err := m.textHits(filter)
	if err != nil {
		return false, err
	}
	for i := range m.datasets {
		d := &m.datasets[i]
		if !filter.match(d, hits) {
			continue
		}
		if patch.Published != nil {
			d.Published = *patch.Published
		}
		if patch.Title != nil {
			d.Title = *patch.Title
		}
		if patch.Description != nil {
			d.Description = *patch.Description
		}
		if patch.AuthorIDs != nil {
			d.AuthorIDs = slices.Clone(patch.AuthorIDs)
		}
		if patch.Keywords != nil {
			d.Keywords = slices.Clone(patch.Keywords)
		}
		d.UpdatedAt = time.Now()
		if patch.Title != nil || patch.Description != nil || patch.Keywords != nil {
			if err := m.text.Index(d.ID, textDocument(d)); err != nil {
				return true, Error.Wrap(err)
			}
		}
		return true, nil
	}
	return false, nil
}

// DeleteDataset removes the datasets matching filter.
func (m *MemoryStore) DeleteDataset(ctx context.Context, filter DatasetFilter) (bool, error) {
	if filter.IsEmpty() {
		return false, ErrEmptyFilter
	}
	if err := ctx.Err(); err != nil {
		return false, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	hits, err := m.textHits(filter)
	if err != nil {
		return false, err
	}
	var removed []string
	m.datasets = slices.DeleteFunc(m.datasets, func(d Dataset) bool {
		if filter.match(&d, hits) {
			removed = append(removed, d.ID)
			return true
		}
		return false
	})
	batch := m.text.NewBatch()
	for _, id := range removed {
		batch.Delete(id)
	}
	if err := m.text.Batch(batch); err != nil {
		return len(removed) > 0, Error.Wrap(err)
	}
	return len(removed) > 0, nil
}

// GetChunks returns copies of the chunks matching filter.
func (m *MemoryStore) GetChunks(ctx context.Context, filter ChunkFilter) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Chunk{}
	for i := range m.chunks {
		if filter.match(&m.chunks[i]) {
			out = append(out, m.chunks[i].clone())
		}
	}
	return out, nil
}

// InsertChunk stores a new chunk, rejecting duplicate ids.
func (m *MemoryStore) InsertChunk(ctx context.Context, chunk Chunk) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.chunks {
		if m.chunks[i].ID == chunk.ID {
			return false, Error.New("duplicate chunk id %q", chunk.ID)
		}
	}
	m.chunks = append(m.chunks, chunk.clone())
	return true, nil
}

// DeleteChunks removes the chunks matching filter.
func (m *MemoryStore) DeleteChunks(ctx context.Context, filter ChunkFilter) (bool, error) {
	if filter.IsEmpty() {
		return false, ErrEmptyFilter
	}
	if err := ctx.Err(); err != nil {
		return false, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.chunks)
	m.chunks = slices.DeleteFunc(m.chunks, func(c Chunk) bool { return filter.match(&c) })
	return len(m.chunks) < before, nil
}

// GetFiles returns the files matching filter.
func (m *MemoryStore) GetFiles(ctx context.Context, filter FileFilter) ([]File, error) {
	if err := ctx.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []File{}
	for i := range m.files {
		if filter.match(&m.files[i]) {
			out = append(out, m.files[i])
		}
	}
	return out, nil
}

// InsertFiles stores files; either all are inserted or none.
func (m *MemoryStore) InsertFiles(ctx context.Context, files []File) (bool, error) {
	if len(files) == 0 {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range files {
		for i := range m.files {
			if m.files[i].ID == f.ID {
				return false, Error.New("duplicate file id %q", f.ID)
			}
		}
	}
	m.files = append(m.files, files...)
	return true, nil
}

// DeleteFiles removes the files matching filter.
func (m *MemoryStore) DeleteFiles(ctx context.Context, filter FileFilter) (bool, error) {
	if filter.IsEmpty() {
		return false, ErrEmptyFilter
	}
	if err := ctx.Err(); err != nil {
		return false, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.files)
	m.files = slices.DeleteFunc(m.files, func(f File) bool { return filter.match(&f) })
	return len(m.files) < before, nil
}

// GetAuthors returns the authors matching filter.
func (m *MemoryStore) GetAuthors(ctx context.Context, filter AuthorFilter) ([]Author, error) {
	if err := ctx.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Author{}
	for _, a := range m.authors {
		if matchIDs(filter.IDs, a.ID) {
			out = append(out, a)
		}
	}
	return out, nil
}

// InsertAuthor stores a new author. Names are not deduplicated.
func (m *MemoryStore) InsertAuthor(ctx context.Context, author Author) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.authors {
		if a.ID == author.ID {
			return false, Error.New("duplicate author id %q", author.ID)
		}
	}
	m.authors = append(m.authors, author)
	return true, nil
}

// Close releases the text index.
func (m *MemoryStore) Close(ctx context.Context) error {
	return Error.Wrap(m.text.Close())
}
