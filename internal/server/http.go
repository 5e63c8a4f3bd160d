package server

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/opscientia/opsci-commons-rbac/internal/manager"
)

const (
	// DefaultMaxUploadBytes bounds the body of an upload request.
	DefaultMaxUploadBytes = 1 << 30
	uploadMemory          = 32 << 20

	// ArchiveContentType is the media type of a packed chunk.
	ArchiveContentType = "application/zstd"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

// MessageResponse confirms a mutation.
type MessageResponse struct {
	Message string                `json:"message"`
	Report  *manager.DeleteReport `json:"report,omitempty"`
}

// HTTPServer implements the REST API of the registry.
type HTTPServer struct {
	log            *zap.Logger
	lifecycle      *manager.Lifecycle
	queries        *manager.Queries
	maxUploadBytes int64

	Handler http.Handler
}

// NewHTTPServer creates the REST API over lifecycle and queries.
func NewHTTPServer(log *zap.Logger, lifecycle *manager.Lifecycle, queries *manager.Queries) *HTTPServer {
	s := &HTTPServer{
		log:            log,
		lifecycle:      lifecycle,
		queries:        queries,
		maxUploadBytes: DefaultMaxUploadBytes,
	}

	router := mux.NewRouter()
	router.Use(s.recoverPanics)

	router.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)

	datasets := router.PathPrefix("/datasets").Subrouter()
	datasets.HandleFunc("/owner/{address}", s.HandleDatasetsByOwner).Methods(http.MethodGet)
	datasets.HandleFunc("/published", s.HandlePublished).Methods(http.MethodGet)
	datasets.HandleFunc("/published/{id}", s.HandlePublishedByID).Methods(http.MethodGet)
	datasets.HandleFunc("/uploader/{address}", s.HandlePublishedByUploader).Methods(http.MethodGet)
	datasets.HandleFunc("/search", s.HandleSearch).Methods(http.MethodGet)
	datasets.HandleFunc("/publish", s.HandlePublish).Methods(http.MethodPost)
	datasets.HandleFunc("/{id}/chunks", s.HandleChunks).Methods(http.MethodGet)
	datasets.HandleFunc("/{id}/authors", s.HandleAuthors).Methods(http.MethodGet)
	datasets.HandleFunc("/{id}/chunks/{chunkId}/archive", s.HandleChunkArchive).Methods(http.MethodGet)

	router.HandleFunc("/files/owner/{address}", s.HandleFilesByOwner).Methods(http.MethodGet)
	router.HandleFunc(manager.DeleteRoute, s.HandleDelete).Methods(http.MethodDelete)
	router.HandleFunc(manager.UploadRoute, s.HandleUpload).Methods(http.MethodPost)

	s.Handler = router
	return s
}

// SetMaxUploadBytes overrides DefaultMaxUploadBytes.
func (s *HTTPServer) SetMaxUploadBytes(n int64) {
	if n > 0 {
		s.maxUploadBytes = n
	}
}

func (s *HTTPServer) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("panic while serving request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", v),
					zap.ByteString("stack", debug.Stack()))
				s.errorResponse(w, &ErrorResponse{StatusCode: http.StatusInternalServerError, Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// HandleHealth reports liveness.
func (s *HTTPServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleDatasetsByOwner lists every dataset of an address.
func (s *HTTPServer) HandleDatasetsByOwner(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.queries.ByOwner(r.Context(), mux.Vars(r)["address"])
	s.listResponse(w, datasets, len(datasets), err, http.StatusNotFound)
}

// HandlePublished lists all published datasets.
func (s *HTTPServer) HandlePublished(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.queries.AllPublished(r.Context())
	s.listResponse(w, datasets, len(datasets), err, http.StatusNotFound)
}

// HandlePublishedByID returns one published dataset.
func (s *HTTPServer) HandlePublishedByID(w http.ResponseWriter, r *http.Request) {
	dataset, err := s.queries.PublishedByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.errorResponse(w, s.classify(err, http.StatusNotFound))
		return
	}
	s.jsonResponse(w, http.StatusOK, dataset)
}

// HandlePublishedByUploader lists the published datasets of an address.
func (s *HTTPServer) HandlePublishedByUploader(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.queries.PublishedByUploader(r.Context(), mux.Vars(r)["address"])
	s.listResponse(w, datasets, len(datasets), err, http.StatusNotFound)
}

// HandleSearch runs a text search. An empty result is not an error.
func (s *HTTPServer) HandleSearch(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.queries.SearchPublished(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		s.errorResponse(w, s.classify(err, http.StatusNotFound))
		return
	}
	s.jsonResponse(w, http.StatusOK, datasets)
}

// HandlePublish publishes a dataset from form values. Every failure is
// reported as a bad request.
func (s *HTTPServer) HandlePublish(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.errorResponse(w, &ErrorResponse{StatusCode: http.StatusBadRequest, Message: "malformed form"})
		return
	}
	req := manager.PublishRequest{
		Address:     r.FormValue("address"),
		Signature:   r.FormValue("signature"),
		DatasetID:   r.FormValue("datasetId"),
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Authors:     manager.SplitList(r.FormValue("authors")),
		Keywords:    manager.SplitList(r.FormValue("keywords")),
	}
	if err := s.lifecycle.Publish(r.Context(), req); err != nil {
		e := s.classify(err, http.StatusBadRequest)
		e.StatusCode = http.StatusBadRequest
		s.errorResponse(w, e)
		return
	}
	s.jsonResponse(w, http.StatusOK, MessageResponse{Message: "dataset " + req.DatasetID + " published"})
}

// HandleChunks lists the chunks of a published dataset.
func (s *HTTPServer) HandleChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.queries.ChunksOfPublishedDataset(r.Context(), mux.Vars(r)["id"])
	s.listResponse(w, chunks, len(chunks), err, http.StatusNotFound)
}

// HandleChunkArchive streams the packed archive of a published chunk.
func (s *HTTPServer) HandleChunkArchive(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, err := s.queries.ChunkArchive(r.Context(), vars["id"], vars["chunkId"])
	if err != nil {
		s.errorResponse(w, s.classify(err, http.StatusInternalServerError))
		return
	}
	w.Header().Set("Content-Type", ArchiveContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+vars["chunkId"]+`.tar.zst"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleAuthors lists the authors of a published dataset.
func (s *HTTPServer) HandleAuthors(w http.ResponseWriter, r *http.Request) {
	authors, err := s.queries.AuthorsOfPublishedDataset(r.Context(), mux.Vars(r)["id"])
	s.listResponse(w, authors, len(authors), err, http.StatusBadRequest)
}

// HandleFilesByOwner lists the files of an address with their blob group.
func (s *HTTPServer) HandleFilesByOwner(w http.ResponseWriter, r *http.Request) {
	files, err := s.queries.FilesOfOwner(r.Context(), mux.Vars(r)["address"])
	s.listResponse(w, files, len(files), err, http.StatusBadRequest)
}

// HandleDelete removes an unpublished dataset by its blob group.
func (s *HTTPServer) HandleDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := manager.DeleteRequest{
		Address:     q.Get("address"),
		BlobGroupID: q.Get("blobGroupId"),
		Signature:   q.Get("signature"),
		Path:        q.Get("path"),
	}
	report, err := s.lifecycle.Delete(r.Context(), req)
	if err != nil {
		s.errorResponse(w, s.classify(err, http.StatusInternalServerError))
		return
	}
	s.jsonResponse(w, http.StatusOK, MessageResponse{
		Message: "blob group " + req.BlobGroupID + " deleted",
		Report:  &report,
	})
}

// HandleUpload stores a new dataset from a multipart form. Each "files"
// part may be paired, in order, with a "paths" value carrying its relative
// path; otherwise the part's file name is used.
func (s *HTTPServer) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		s.errorResponse(w, &ErrorResponse{StatusCode: http.StatusBadRequest, Message: "malformed multipart form"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	paths := r.MultipartForm.Value["paths"]
	files := make([]manager.UploadFile, 0, len(headers))
	for i, h := range headers {
		name := h.Filename
		if len(paths) == len(headers) {
			name = paths[i]
		}
		f, err := h.Open()
		if err != nil {
			s.errorResponse(w, &ErrorResponse{StatusCode: http.StatusBadRequest, Message: "unreadable file " + h.Filename})
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			s.errorResponse(w, &ErrorResponse{StatusCode: http.StatusBadRequest, Message: "unreadable file " + h.Filename})
			return
		}
		files = append(files, manager.UploadFile{Path: name, Data: data})
	}

	dataset, err := s.lifecycle.Upload(r.Context(), manager.UploadRequest{
		Address:   r.FormValue("address"),
		Signature: r.FormValue("signature"),
		Files:     files,
	})
	if err != nil {
		e := s.classify(err, http.StatusBadRequest)
		e.StatusCode = http.StatusBadRequest
		s.errorResponse(w, e)
		return
	}
	s.jsonResponse(w, http.StatusOK, dataset)
}

// classify maps manager error classes to a response. storeStatus is used
// for store failures, whose status differs between routes.
func (s *HTTPServer) classify(err error, storeStatus int) *ErrorResponse {
	switch {
	case manager.ErrValidation.Has(err), manager.ErrAuthorization.Has(err), manager.ErrConflict.Has(err):
		return &ErrorResponse{StatusCode: http.StatusBadRequest, Message: err.Error()}
	case manager.ErrNotFound.Has(err):
		return &ErrorResponse{StatusCode: http.StatusNotFound, Message: err.Error()}
	case manager.ErrStore.Has(err):
		s.log.Error("store failure", zap.Error(err))
		return &ErrorResponse{StatusCode: storeStatus, Message: "storage failure"}
	default:
		s.log.Error("unclassified failure", zap.Error(err))
		return &ErrorResponse{StatusCode: http.StatusInternalServerError, Message: "internal error"}
	}
}

// listResponse writes items, or the notFound status when there are none.
func (s *HTTPServer) listResponse(w http.ResponseWriter, items any, n int, err error, storeStatus int) {
	if err != nil {
		s.errorResponse(w, s.classify(err, storeStatus))
		return
	}
	if n == 0 {
		s.errorResponse(w, &ErrorResponse{StatusCode: http.StatusNotFound, Message: "none found"})
		return
	}
	s.jsonResponse(w, http.StatusOK, items)
}

func (s *HTTPServer) jsonResponse(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.log.Error("encoding response", zap.Error(err))
		s.errorResponse(w, &ErrorResponse{StatusCode: http.StatusInternalServerError, Message: "internal error"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *HTTPServer) errorResponse(w http.ResponseWriter, e *ErrorResponse) {
	s.log.Debug("request failed", zap.Int("status", e.StatusCode), zap.String("error", e.Message))

	resp, _ := json.Marshal(e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(resp)
}
