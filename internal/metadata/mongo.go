package metadata

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	datasetsCollection = "datasets"
	chunksCollection   = "chunks"
	filesCollection    = "files"
	authorsCollection  = "authors"
)

// MongoStore handles MongoDB operations for registry metadata.
type MongoStore struct {
	log      *zap.Logger
	client   *mongo.Client
	datasets *mongo.Collection
	chunks   *mongo.Collection
	files    *mongo.Collection
	authors  *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore connects to mongoURI and prepares the collections and
// indexes of database.
func NewMongoStore(ctx context.Context, log *zap.Logger, mongoURI, database string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	// Ping to verify connection
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, errs.Combine(Error.Wrap(err), client.Disconnect(ctx))
	}

	db := client.Database(database)
	store := &MongoStore{
		log:      log,
		client:   client,
		datasets: db.Collection(datasetsCollection),
		chunks:   db.Collection(chunksCollection),
		files:    db.Collection(filesCollection),
		authors:  db.Collection(authorsCollection),
	}

	if err := store.ensureIndexes(connectCtx); err != nil {
		return nil, errs.Combine(err, client.Disconnect(ctx))
	}

	log.Info("connected to metadata store", zap.String("database", database))
	return store, nil
}

func (ms *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := func(c *mongo.Collection) error {
		_, err := c.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		return err
	}

	for _, c := range []*mongo.Collection{ms.datasets, ms.chunks, ms.files, ms.authors} {
		if err := unique(c); err != nil {
			return Error.New("index %s: %v", c.Name(), err)
		}
	}

	_, err := ms.datasets.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "uploader", Value: 1}}},
		{Keys: bson.D{
			{Key: "title", Value: "text"},
			{Key: "description", Value: "text"},
			{Key: "keywords", Value: "text"},
		}},
	})
	if err != nil {
		return Error.New("index %s: %v", datasetsCollection, err)
	}

	_, err = ms.chunks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "storage_ids.blob_store_id", Value: 1}},
	})
	if err != nil {
		return Error.New("index %s: %v", chunksCollection, err)
	}

	_, err = ms.files.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chunk_id", Value: 1}},
	})
	if err != nil {
		return Error.New("index %s: %v", filesCollection, err)
	}
	return nil
}

func datasetQuery(f DatasetFilter) bson.M {
	q := bson.M{}
	if f.IDs != nil {
		q["id"] = bson.M{"$in": f.IDs}
	}
	if f.Uploader != "" {
		q["uploader"] = NormalizeAddress(f.Uploader)
	}
	if f.Published != nil {
		q["published"] = *f.Published
	}
	if f.Text != "" {
		q["$text"] = bson.M{"$search": f.Text}
	}
	return q
}

func chunkQuery(f ChunkFilter) bson.M {
	q := bson.M{}
	if f.IDs != nil {
		q["id"] = bson.M{"$in": f.IDs}
	}
	if f.DatasetIDs != nil {
		q["dataset_id"] = bson.M{"$in": f.DatasetIDs}
	}
	if f.BlobStoreID != "" {
		q["storage_ids.blob_store_id"] = f.BlobStoreID
	}
	return q
}

func fileQuery(f FileFilter) bson.M {
	q := bson.M{}
	if f.IDs != nil {
		q["id"] = bson.M{"$in": f.IDs}
	}
	if f.ChunkIDs != nil {
		q["chunk_id"] = bson.M{"$in": f.ChunkIDs}
	}
	return q
}

func authorQuery(f AuthorFilter) bson.M {
	q := bson.M{}
	if f.IDs != nil {
		q["id"] = bson.M{"$in": f.IDs}
	}
	return q
}

func find[T any](ctx context.Context, c *mongo.Collection, query bson.M) ([]T, error) {
	cursor, err := c.Find(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	results := []T{}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, Error.Wrap(err)
	}
	return results, nil
}

func insertOne(ctx context.Context, c *mongo.Collection, doc any) (bool, error) {
	res, err := c.InsertOne(ctx, doc)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return res.InsertedID != nil, nil
}

func deleteMany(ctx context.Context, c *mongo.Collection, query bson.M) (bool, error) {
	if len(query) == 0 {
		return false, ErrEmptyFilter
	}
	res, err := c.DeleteMany(ctx, query)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return res.DeletedCount > 0, nil
}

// GetDatasets returns the datasets matching filter.
func (ms *MongoStore) GetDatasets(ctx context.Context, filter DatasetFilter) ([]Dataset, error) {
	return find[Dataset](ctx, ms.datasets, datasetQuery(filter))
}

// InsertDataset stores a new dataset.
func (ms *MongoStore) InsertDataset(ctx context.Context, dataset Dataset) (bool, error) {
	now := time.Now()
	dataset.Uploader = NormalizeAddress(dataset.Uploader)
	if dataset.CreatedAt.IsZero() {
		dataset.CreatedAt = now
	}
	dataset.UpdatedAt = now
	return insertOne(ctx, ms.datasets, dataset)
}

func datasetUpdate(patch DatasetPatch, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	if patch.Published != nil {
		set["published"] = *patch.Published
	}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.AuthorIDs != nil {
		set["author_ids"] = patch.AuthorIDs
	}
	if patch.Keywords != nil {
		set["keywords"] = patch.Keywords
	}
	return bson.M{"$set": set}
}

// UpdateDataset applies patch to the first dataset matching filter in one
// atomic $set and reports whether anything matched.
func (ms *MongoStore) UpdateDataset(ctx context.Context, filter DatasetFilter, patch DatasetPatch) (bool, error) {
	res, err := ms.datasets.UpdateOne(ctx, datasetQuery(filter), datasetUpdate(patch, time.Now()))
	if err != nil {
		return false, Error.Wrap(err)
	}
	return res.MatchedCount > 0, nil
}

// DeleteDataset removes the datasets matching filter.
func (ms *MongoStore) DeleteDataset(ctx context.Context, filter DatasetFilter) (bool, error) {
	return deleteMany(ctx, ms.datasets, datasetQuery(filter))
}

// GetChunks returns the chunks matching filter.
func (ms *MongoStore) GetChunks(ctx context.Context, filter ChunkFilter) ([]Chunk, error) {
	return find[Chunk](ctx, ms.chunks, chunkQuery(filter))
}

// InsertChunk stores a new chunk.
func (ms *MongoStore) InsertChunk(ctx context.Context, chunk Chunk) (bool, error) {
	return insertOne(ctx, ms.chunks, chunk)
}

// DeleteChunks removes the chunks matching filter.
func (ms *MongoStore) DeleteChunks(ctx context.Context, filter ChunkFilter) (bool, error) {
	return deleteMany(ctx, ms.chunks, chunkQuery(filter))
}

// GetFiles returns the files matching filter.
func (ms *MongoStore) GetFiles(ctx context.Context, filter FileFilter) ([]File, error) {
	return find[File](ctx, ms.files, fileQuery(filter))
}

// InsertFiles stores files in one batch.
func (ms *MongoStore) InsertFiles(ctx context.Context, files []File) (bool, error) {
	if len(files) == 0 {
		return false, nil
	}
	docs := make([]any, len(files))
	for i := range files {
		docs[i] = files[i]
	}
	res, err := ms.files.InsertMany(ctx, docs)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return len(res.InsertedIDs) == len(files), nil
}

// DeleteFiles removes the files matching filter.
func (ms *MongoStore) DeleteFiles(ctx context.Context, filter FileFilter) (bool, error) {
	return deleteMany(ctx, ms.files, fileQuery(filter))
}

// GetAuthors returns the authors matching filter.
func (ms *MongoStore) GetAuthors(ctx context.Context, filter AuthorFilter) ([]Author, error) {
	return find[Author](ctx, ms.authors, authorQuery(filter))
}

// InsertAuthor stores a new author.
func (ms *MongoStore) InsertAuthor(ctx context.Context, author Author) (bool, error) {
	return insertOne(ctx, ms.authors, author)
}

// Close closes the MongoDB connection
func (ms *MongoStore) Close(ctx context.Context) error {
	return Error.Wrap(ms.client.Disconnect(ctx))
}
