package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
	"go.uber.org/zap/zaptest"
)

func TestMongoQueries(t *testing.T) {
	tests := []struct {
		name string
		got  bson.M
		want bson.M
	}{
		{
			name: "publish filter carries owner and id",
			got:  datasetQuery(DatasetFilter{Uploader: "0xABC", IDs: []string{"D1"}}),
			want: bson.M{"uploader": "0xabc", "id": bson.M{"$in": []string{"D1"}}},
		},
		{
			name: "published text search",
			got:  datasetQuery(DatasetFilter{Published: Bool(true), Text: "ocean"}),
			want: bson.M{"published": true, "$text": bson.M{"$search": "ocean"}},
		},
		{
			name: "empty id set is kept",
			got:  datasetQuery(DatasetFilter{IDs: []string{}}),
			want: bson.M{"id": bson.M{"$in": []string{}}},
		},
		{
			name: "empty dataset filter",
			got:  datasetQuery(DatasetFilter{}),
			want: bson.M{},
		},
		{
			name: "chunks by blob",
			got:  chunkQuery(ChunkFilter{BlobStoreID: "E1"}),
			want: bson.M{"storage_ids.blob_store_id": "E1"},
		},
		{
			name: "chunks by ids and datasets",
			got:  chunkQuery(ChunkFilter{IDs: []string{"C1"}, DatasetIDs: []string{"D1"}}),
			want: bson.M{"id": bson.M{"$in": []string{"C1"}}, "dataset_id": bson.M{"$in": []string{"D1"}}},
		},
		{
			name: "files by chunk",
			got:  fileQuery(FileFilter{ChunkIDs: []string{"C1"}}),
			want: bson.M{"chunk_id": bson.M{"$in": []string{"C1"}}},
		},
		{
			name: "files by id",
			got:  fileQuery(FileFilter{IDs: []string{"F1", "F2"}}),
			want: bson.M{"id": bson.M{"$in": []string{"F1", "F2"}}},
		},
		{
			name: "authors by id",
			got:  authorQuery(AuthorFilter{IDs: []string{"A1"}}),
			want: bson.M{"id": bson.M{"$in": []string{"A1"}}},
		},
		{
			name: "all authors",
			got:  authorQuery(AuthorFilter{}),
			want: bson.M{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestMongoDatasetUpdate(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("publish patch", func(t *testing.T) {
		got := datasetUpdate(DatasetPatch{
			Published:   Bool(true),
			Title:       String("Atlas"),
			Description: String("Scans"),
			AuthorIDs:   []string{"A1", "A2"},
			Keywords:    []string{"neuro"},
		}, now)
		assert.Equal(t, bson.M{"$set": bson.M{
			"updated_at":  now,
			"published":   true,
			"title":       "Atlas",
			"description": "Scans",
			"author_ids":  []string{"A1", "A2"},
			"keywords":    []string{"neuro"},
		}}, got)
	})

	t.Run("unset fields are left alone", func(t *testing.T) {
		got := datasetUpdate(DatasetPatch{Title: String("")}, now)
		assert.Equal(t, bson.M{"$set": bson.M{"updated_at": now, "title": ""}}, got)
	})
}

func newMockStore(mt *mtest.T) *MongoStore {
	return &MongoStore{
		log:      zaptest.NewLogger(mt.T),
		client:   mt.Client,
		datasets: mt.Coll,
		chunks:   mt.Coll,
		files:    mt.Coll,
		authors:  mt.Coll,
	}
}

func TestMongoStoreMock(t *testing.T) {
	ctx := context.Background()
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("update reports a match", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))
		ok, err := newMockStore(mt).UpdateDataset(ctx,
			DatasetFilter{Uploader: "0xABC", IDs: []string{"D1"}},
			DatasetPatch{Published: Bool(true)})
		require.NoError(mt, err)
		assert.True(mt, ok)
	})

	mt.Run("update without match", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))
		ok, err := newMockStore(mt).UpdateDataset(ctx,
			DatasetFilter{Uploader: "0xother", IDs: []string{"D1"}},
			DatasetPatch{Published: Bool(true)})
		require.NoError(mt, err)
		assert.False(mt, ok)
	})

	mt.Run("update error is classed", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    11000,
			Message: "duplicate key",
			Name:    "DuplicateKey",
		}))
		_, err := newMockStore(mt).UpdateDataset(ctx, DatasetFilter{IDs: []string{"D1"}}, DatasetPatch{})
		require.Error(mt, err)
		assert.True(mt, Error.Has(err))
	})

	mt.Run("delete counts removed documents", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}))
		ok, err := newMockStore(mt).DeleteFiles(ctx, FileFilter{ChunkIDs: []string{"C1"}})
		require.NoError(mt, err)
		assert.True(mt, ok)
	})

	mt.Run("empty delete filters never reach the server", func(mt *mtest.T) {
		store := newMockStore(mt)

		_, err := store.DeleteFiles(ctx, FileFilter{})
		assert.ErrorIs(mt, err, ErrEmptyFilter)
		_, err = store.DeleteChunks(ctx, ChunkFilter{})
		assert.ErrorIs(mt, err, ErrEmptyFilter)
		_, err = store.DeleteDataset(ctx, DatasetFilter{})
		assert.ErrorIs(mt, err, ErrEmptyFilter)
	})

	mt.Run("find decodes documents", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{
				{Key: "id", Value: "C1"},
				{Key: "dataset_id", Value: "D1"},
				{Key: "file_ids", Value: bson.A{"F1", "F2"}},
				{Key: "storage_ids", Value: bson.D{{Key: "blob_store_id", Value: "E1"}}},
			},
		))
		chunks, err := newMockStore(mt).GetChunks(ctx, ChunkFilter{BlobStoreID: "E1"})
		require.NoError(mt, err)
		require.Len(mt, chunks, 1)
		assert.Equal(mt, Chunk{
			ID:         "C1",
			DatasetID:  "D1",
			FileIDs:    []string{"F1", "F2"},
			StorageIDs: StorageIDs{BlobStoreID: "E1"},
		}, chunks[0])
	})

	mt.Run("empty result is an empty slice", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		datasets, err := newMockStore(mt).GetDatasets(ctx, DatasetFilter{Uploader: "0xabc"})
		require.NoError(mt, err)
		assert.NotNil(mt, datasets)
		assert.Empty(mt, datasets)
	})

	mt.Run("insert author", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		ok, err := newMockStore(mt).InsertAuthor(ctx, Author{ID: "A1", Name: "Alice"})
		require.NoError(mt, err)
		assert.True(mt, ok)
	})
}
