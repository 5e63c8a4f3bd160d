package manager

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/opscientia/opsci-commons-rbac/internal/blobstore"
	"github.com/opscientia/opsci-commons-rbac/internal/metadata"
	"github.com/opscientia/opsci-commons-rbac/internal/signature"
)

// fakeBlobs is an in-memory blob store.
type fakeBlobs struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	deleted   []string
	deleteErr error
	next      int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: map[string][]byte{}}
}

func (f *fakeBlobs) Store(ctx context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := "blob-" + string(rune('a'+f.next-1))
	f.blobs[id] = data
	return id, nil
}

func (f *fakeBlobs) Get(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[id]
	if !ok {
		return nil, blobstore.ErrNotFound.New("%q", id)
	}
	return data, nil
}

func (f *fakeBlobs) Delete(ctx context.Context, id string, retries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.blobs[id]; !ok {
		return blobstore.ErrNotFound.New("%q", id)
	}
	delete(f.blobs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBlobs) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[id]
	return ok
}

// recordingStore wraps the memory store, records mutating calls in order
// and injects failures.
type recordingStore struct {
	*metadata.MemoryStore

	mu    sync.Mutex
	calls []string

	updateErrs      []error
	insertAuthorErr error
	deleteFilesErr  error
	insertChunkErr  error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: metadata.NewMemoryStore()}
}

func (s *recordingStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *recordingStore) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *recordingStore) UpdateDataset(ctx context.Context, filter metadata.DatasetFilter, patch metadata.DatasetPatch) (bool, error) {
	s.record("UpdateDataset")
	s.mu.Lock()
	var err error
	if len(s.updateErrs) > 0 {
		err, s.updateErrs = s.updateErrs[0], s.updateErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.MemoryStore.UpdateDataset(ctx, filter, patch)
}

func (s *recordingStore) InsertAuthor(ctx context.Context, author metadata.Author) (bool, error) {
	s.record("InsertAuthor")
	if s.insertAuthorErr != nil {
		return false, s.insertAuthorErr
	}
	return s.MemoryStore.InsertAuthor(ctx, author)
}

func (s *recordingStore) InsertChunk(ctx context.Context, chunk metadata.Chunk) (bool, error) {
	s.record("InsertChunk")
	if s.insertChunkErr != nil {
		return false, s.insertChunkErr
	}
	return s.MemoryStore.InsertChunk(ctx, chunk)
}

func (s *recordingStore) DeleteFiles(ctx context.Context, filter metadata.FileFilter) (bool, error) {
	s.record("DeleteFiles")
	if s.deleteFilesErr != nil {
		return false, s.deleteFilesErr
	}
	return s.MemoryStore.DeleteFiles(ctx, filter)
}

func (s *recordingStore) DeleteChunks(ctx context.Context, filter metadata.ChunkFilter) (bool, error) {
	s.record("DeleteChunks")
	return s.MemoryStore.DeleteChunks(ctx, filter)
}

func (s *recordingStore) DeleteDataset(ctx context.Context, filter metadata.DatasetFilter) (bool, error) {
	s.record("DeleteDataset")
	return s.MemoryStore.DeleteDataset(ctx, filter)
}

type wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, address: signature.Address(key)}
}

func (w wallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := signature.Sign(message, w.key)
	require.NoError(t, err)
	return signature.EncodeSignature(sig)
}

type fixture struct {
	store     *recordingStore
	blobs     *fakeBlobs
	lifecycle *Lifecycle
	queries   *Queries
	owner     wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := newRecordingStore()
	blobs := newFakeBlobs()
	return &fixture{
		store:     store,
		blobs:     blobs,
		lifecycle: NewLifecycle(log, store, blobs, signature.NewVerifier(), Config{}),
		queries:   NewQueries(log, store, blobs),
		owner:     newWallet(t),
	}
}

// seedDataset stores dataset D1 of the owner with chunk C1 (blob E1) and
// files F1, F2.
func (f *fixture) seedDataset(t *testing.T, published bool) {
	t.Helper()
	ctx := context.Background()

	f.blobs.blobs["E1"] = []byte("packed")

	_, err := f.store.MemoryStore.InsertFiles(ctx, []metadata.File{
		{ID: "F1", ChunkID: "C1", Name: "a.csv", Path: "a.csv"},
		{ID: "F2", ChunkID: "C1", Name: "b.csv", Path: "data/b.csv"},
	})
	require.NoError(t, err)
	_, err = f.store.MemoryStore.InsertChunk(ctx, metadata.Chunk{
		ID:         "C1",
		DatasetID:  "D1",
		FileIDs:    []string{"F1", "F2"},
		StorageIDs: metadata.StorageIDs{BlobStoreID: "E1"},
	})
	require.NoError(t, err)
	_, err = f.store.MemoryStore.InsertDataset(ctx, metadata.Dataset{
		ID:        "D1",
		Uploader:  f.owner.address,
		Published: published,
		Title:     "untitled",
		ChunkIDs:  []string{"C1"},
	})
	require.NoError(t, err)
}
