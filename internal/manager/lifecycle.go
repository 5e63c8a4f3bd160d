package manager

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/opscientia/opsci-commons-rbac/internal/blobstore"
	"github.com/opscientia/opsci-commons-rbac/internal/metadata"
	"github.com/opscientia/opsci-commons-rbac/internal/signature"
)

var mon = monkit.Package()

const (
	// DefaultPublishAttempts bounds the attempts of the publish update.
	DefaultPublishAttempts = 3
	// DefaultBlobDeleteRetries is passed to the blob store on delete.
	DefaultBlobDeleteRetries = 3

	// ChunkManifest is the archive entry carrying the chunk id. It is not a
	// dataset file.
	ChunkManifest = ".chunk"
)

// Config tunes the lifecycle workflows.
type Config struct {
	PublishAttempts      int
	PublishRetryInterval time.Duration
	BlobDeleteRetries    int
}

func (c Config) withDefaults() Config {
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = DefaultPublishAttempts
	}
	if c.BlobDeleteRetries < 0 {
		c.BlobDeleteRetries = 0
	}
	return c
}

// Lifecycle runs the mutating workflows: upload, publish and cascading
// delete. It holds no locks; concurrent requests on one dataset may
// interleave between store calls.
type Lifecycle struct {
	log      *zap.Logger
	store    metadata.Store
	blobs    blobstore.Store
	verifier signature.Verifier
	config   Config
}

// NewLifecycle creates a lifecycle manager over the given collaborators.
func NewLifecycle(log *zap.Logger, store metadata.Store, blobs blobstore.Store, verifier signature.Verifier, config Config) *Lifecycle {
	return &Lifecycle{
		log:      log,
		store:    store,
		blobs:    blobs,
		verifier: verifier,
		config:   config.withDefaults(),
	}
}

func (l *Lifecycle) verify(message, sig, address string) error {
	if !l.verifier.Verify(message, signature.DecodeSignature(sig), address) {
		return errBadSignature
	}
	return nil
}

// PublishRequest carries the inputs of Publish.
type PublishRequest struct {
	Address     string
	Signature   string
	DatasetID   string
	Title       string
	Description string
	Authors     []string
	Keywords    []string
}

func (r *PublishRequest) validate() error {
	var missing []string
	for _, field := range []struct{ name, value string }{
		{"address", r.Address},
		{"signature", r.Signature},
		{"datasetId", r.DatasetID},
		{"title", r.Title},
		{"description", r.Description},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(r.Authors) == 0 {
		missing = append(missing, "authors")
	}
	if len(r.Keywords) == 0 {
		missing = append(missing, "keywords")
	}
	if len(missing) > 0 {
		return ErrValidation.New("missing parameters: %s", strings.Join(missing, ", "))
	}
	for _, name := range r.Authors {
		if strings.TrimSpace(name) == "" {
			return ErrValidation.New("empty author name")
		}
	}
	return nil
}

// Publish moves an unpublished dataset of the signer to published, setting
// its metadata in the same store update. Authors are inserted first, one
// record per name, and are not removed if a later step fails.
func (l *Lifecycle) Publish(ctx context.Context, req PublishRequest) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.validate(); err != nil {
		return err
	}
	if err := l.verify(PublishMessage(req.Address, req.DatasetID), req.Signature, req.Address); err != nil {
		return err
	}

	authorIDs := make([]string, 0, len(req.Authors))
	for _, name := range req.Authors {
		author := metadata.Author{ID: uuid.NewString(), Name: strings.TrimSpace(name)}
		ok, err := l.store.InsertAuthor(ctx, author)
		if err != nil {
			return ErrStore.Wrap(err)
		}
		if !ok {
			return ErrStore.New("author %q was not stored", author.Name)
		}
		authorIDs = append(authorIDs, author.ID)
	}

	filter := metadata.DatasetFilter{
		Uploader: metadata.NormalizeAddress(req.Address),
		IDs:      []string{req.DatasetID},
	}
	patch := metadata.DatasetPatch{
		Published:   metadata.Bool(true),
		Title:       metadata.String(req.Title),
		Description: metadata.String(req.Description),
		AuthorIDs:   authorIDs,
		Keywords:    req.Keywords,
	}

	var matched bool
	attempt := 0
	update := func() error {
		attempt++
		ok, err := l.store.UpdateDataset(ctx, filter, patch)
		if err != nil {
			l.log.Warn("publish update failed",
				zap.String("dataset", req.DatasetID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		matched = ok
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(l.config.PublishRetryInterval), uint64(l.config.PublishAttempts-1))
	if err := backoff.Retry(update, backoff.WithContext(policy, ctx)); err != nil {
		return ErrStore.New("publish %q failed after %d attempts: %v", req.DatasetID, attempt, err)
	}
	if !matched {
		return ErrNotFound.New("dataset %q", req.DatasetID)
	}

	l.log.Info("dataset published",
		zap.String("dataset", req.DatasetID),
		zap.String("uploader", filter.Uploader),
		zap.Int("authors", len(authorIDs)))
	return nil
}

// DeleteRequest carries the inputs of Delete. Path is accepted for single
// file deletion but the whole blob group is always removed.
type DeleteRequest struct {
	Address     string
	BlobGroupID string
	Signature   string
	Path        string
}

// Step names one sub-step of the cascading delete.
type Step string

// Cascading delete steps, in execution order.
const (
	StepFiles   Step = "files"
	StepChunks  Step = "chunks"
	StepDataset Step = "dataset"
	StepBlob    Step = "blob"
)

// StepResult records the outcome of one delete sub-step.
type StepResult struct {
	Step    Step   `json:"step"`
	Removed bool   `json:"removed"`
	Error   string `json:"error,omitempty"`

	err error
}

// Err returns the failure of the step, if any.
func (r StepResult) Err() error { return r.err }

// DeleteReport describes a completed cascading delete.
type DeleteReport struct {
	DatasetID   string       `json:"datasetId"`
	BlobGroupID string       `json:"blobGroupId"`
	Steps       []StepResult `json:"steps"`
}

// Failed returns the steps that reported an error.
func (r DeleteReport) Failed() []StepResult {
	var failed []StepResult
	for _, s := range r.Steps {
		if s.err != nil {
			failed = append(failed, s)
		}
	}
	return failed
}

// Delete removes an unpublished dataset of the signer together with its
// chunks, files and blob. Children go first: files, chunks, the dataset,
// then the blob. Sub-steps are not transactional; a failed step is logged
// and the next one still runs. Re-running the delete after a partial
// failure is safe because deletes by id set are idempotent. The overall
// result follows the blob deletion.
func (l *Lifecycle) Delete(ctx context.Context, req DeleteRequest) (report DeleteReport, err error) {
	defer mon.Task()(&ctx)(&err)

	if strings.TrimSpace(req.Address) == "" || strings.TrimSpace(req.BlobGroupID) == "" || strings.TrimSpace(req.Signature) == "" {
		return report, ErrValidation.New("missing parameters: address, blobGroupId and signature are required")
	}
	if err := l.verify(DeleteMessage(req.Address, req.BlobGroupID), req.Signature, req.Address); err != nil {
		return report, err
	}
	if req.Path != "" {
		l.log.Debug("single file deletion is not supported, deleting the whole group",
			zap.String("blobGroup", req.BlobGroupID),
			zap.String("path", req.Path))
	}

	chunks, err := l.store.GetChunks(ctx, metadata.ChunkFilter{BlobStoreID: req.BlobGroupID})
	if err != nil {
		return report, ErrStore.Wrap(err)
	}
	if len(chunks) == 0 {
		return report, ErrNotFound.New("blob group %q", req.BlobGroupID)
	}

	datasets, err := l.store.GetDatasets(ctx, metadata.DatasetFilter{IDs: []string{chunks[0].DatasetID}})
	if err != nil {
		return report, ErrStore.Wrap(err)
	}
	if len(datasets) == 0 || datasets[0].Uploader != metadata.NormalizeAddress(req.Address) {
		return report, ErrNotFound.New("blob group %q", req.BlobGroupID)
	}
	dataset := datasets[0]
	if dataset.Published {
		return report, ErrConflict.New("dataset %q is published and cannot be deleted", dataset.ID)
	}

	report = DeleteReport{DatasetID: dataset.ID, BlobGroupID: req.BlobGroupID}
	chunkIDs := append([]string{}, dataset.ChunkIDs...)

	run := func(step Step, fn func() (bool, error)) StepResult {
		removed, err := fn()
		result := StepResult{Step: step, Removed: removed, err: err}
		if err != nil {
			result.Error = err.Error()
			l.log.Warn("delete step failed, continuing",
				zap.String("dataset", dataset.ID),
				zap.String("step", string(step)),
				zap.Error(err))
		}
		report.Steps = append(report.Steps, result)
		return result
	}

	run(StepFiles, func() (bool, error) {
		return l.store.DeleteFiles(ctx, metadata.FileFilter{ChunkIDs: chunkIDs})
	})
	run(StepChunks, func() (bool, error) {
		return l.store.DeleteChunks(ctx, metadata.ChunkFilter{IDs: chunkIDs})
	})
	run(StepDataset, func() (bool, error) {
		return l.store.DeleteDataset(ctx, metadata.DatasetFilter{IDs: []string{dataset.ID}})
	})
	blob := run(StepBlob, func() (bool, error) {
		if err := l.blobs.Delete(ctx, req.BlobGroupID, l.config.BlobDeleteRetries); err != nil {
			return false, err
		}
		return true, nil
	})

	if failed := report.Failed(); len(failed) > 0 {
		l.log.Warn("cascading delete left records behind",
			zap.String("dataset", dataset.ID),
			zap.String("blobGroup", req.BlobGroupID),
			zap.Any("failed", failed))
	}
	if blob.err != nil {
		return report, ErrStore.New("blob %q was not deleted: %v", req.BlobGroupID, blob.err)
	}

	l.log.Info("dataset deleted",
		zap.String("dataset", dataset.ID),
		zap.String("blobGroup", req.BlobGroupID))
	return report, nil
}

// UploadFile is one file of an upload.
type UploadFile struct {
	Path string
	Data []byte
}

// UploadRequest carries the inputs of Upload.
type UploadRequest struct {
	Address   string
	Signature string
	Files     []UploadFile
}

// Upload packs files into one chunk, stores it in the blob store and
// records an unpublished dataset owned by the signer. Records are inserted
// children first; on failure the ones already written are removed again on
// a best-effort basis.
func (l *Lifecycle) Upload(ctx context.Context, req UploadRequest) (dataset metadata.Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	if strings.TrimSpace(req.Address) == "" || strings.TrimSpace(req.Signature) == "" {
		return dataset, ErrValidation.New("missing parameters: address and signature are required")
	}
	if len(req.Files) == 0 {
		return dataset, ErrValidation.New("no files uploaded")
	}
	if err := l.verify(UploadMessage(req.Address), req.Signature, req.Address); err != nil {
		return dataset, err
	}

	datasetID, chunkID := uuid.NewString(), uuid.NewString()

	seen := make(map[string]bool, len(req.Files))
	files := make([]metadata.File, 0, len(req.Files))
	entries := make([]blobstore.Entry, 0, len(req.Files)+1)
	var size int64
	for _, f := range req.Files {
		p, ok := blobstore.CleanPath(f.Path)
		if !ok || p == ChunkManifest {
			return dataset, ErrValidation.New("invalid file path %q", f.Path)
		}
		if seen[p] {
			return dataset, ErrValidation.New("duplicate file path %q", p)
		}
		seen[p] = true

		files = append(files, metadata.File{
			ID:      uuid.NewString(),
			ChunkID: chunkID,
			Name:    p[strings.LastIndex(p, "/")+1:],
			Path:    p,
			Size:    int64(len(f.Data)),
		})
		entries = append(entries, blobstore.Entry{Path: p, Data: f.Data})
		size += int64(len(f.Data))
	}
	// the manifest keeps identical uploads from sharing one blob id
	entries = append(entries, blobstore.Entry{Path: ChunkManifest, Data: []byte(chunkID)})

	packed, err := blobstore.Pack(entries)
	if err != nil {
		return dataset, ErrStore.Wrap(err)
	}
	blobID, err := l.blobs.Store(ctx, packed)
	if err != nil {
		return dataset, ErrStore.Wrap(err)
	}

	fileIDs := make([]string, len(files))
	for i := range files {
		fileIDs[i] = files[i].ID
	}
	chunk := metadata.Chunk{
		ID:         chunkID,
		DatasetID:  datasetID,
		FileIDs:    fileIDs,
		StorageIDs: metadata.StorageIDs{BlobStoreID: blobID},
		Size:       size,
	}
	dataset = metadata.Dataset{
		ID:       datasetID,
		Uploader: metadata.NormalizeAddress(req.Address),
		ChunkIDs: []string{chunkID},
		// keep empty lists stored as lists
		AuthorIDs: []string{},
		Keywords:  []string{},
	}

	var undo []func()
	rollback := func(cause error) (metadata.Dataset, error) {
		l.log.Warn("upload failed, removing partial records", zap.String("dataset", datasetID), zap.Error(cause))
		undo = append(undo, func() {
			if err := l.blobs.Delete(ctx, blobID, l.config.BlobDeleteRetries); err != nil {
				l.log.Warn("orphaned blob", zap.String("blob", blobID), zap.Error(err))
			}
		})
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return metadata.Dataset{}, ErrStore.Wrap(cause)
	}
	inserted := func(what string, ok bool, err error) error {
		if err != nil {
			return err
		}
		if !ok {
			return ErrStore.New("%s was not stored", what)
		}
		return nil
	}

	ok, err := l.store.InsertFiles(ctx, files)
	if err := inserted("files", ok, err); err != nil {
		return rollback(err)
	}
	undo = append(undo, func() {
		_, _ = l.store.DeleteFiles(ctx, metadata.FileFilter{IDs: fileIDs})
	})

	ok, err = l.store.InsertChunk(ctx, chunk)
	if err := inserted("chunk", ok, err); err != nil {
		return rollback(err)
	}
	undo = append(undo, func() {
		_, _ = l.store.DeleteChunks(ctx, metadata.ChunkFilter{IDs: []string{chunkID}})
	})

	ok, err = l.store.InsertDataset(ctx, dataset)
	if err := inserted("dataset", ok, err); err != nil {
		return rollback(err)
	}

	l.log.Info("dataset uploaded",
		zap.String("dataset", datasetID),
		zap.String("uploader", dataset.Uploader),
		zap.String("blob", blobID),
		zap.Int("files", len(files)))
	return dataset, nil
}
