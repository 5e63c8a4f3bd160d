package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Remote talks to a content-addressed pinning service over HTTP.
//
//	POST   {base}/content/add   multipart "data" -> {"id": "..."}
//	GET    {base}/content/{id}  -> raw bytes
//	DELETE {base}/content/{id}
type Remote struct {
	log    *zap.Logger
	base   string
	token  string
	client *http.Client

	// InitialInterval is the first delay between delete retries.
	InitialInterval time.Duration
}

var _ Store = (*Remote)(nil)

// NewRemote returns a client for the service at base. http.DefaultClient is
// used if client is nil.
func NewRemote(log *zap.Logger, base, token string, client *http.Client) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{
		log:             log,
		base:            strings.TrimRight(base, "/"),
		token:           token,
		client:          client,
		InitialInterval: 500 * time.Millisecond,
	}
}

type addResponse struct {
	ID string `json:"id"`
}

// Store uploads data and returns the id assigned by the service.
func (r *Remote) Store(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("data", "chunk.tar.zst")
	if err != nil {
		return "", Error.Wrap(err)
	}
	if _, err := part.Write(data); err != nil {
		return "", Error.Wrap(err)
	}
	if err := w.Close(); err != nil {
		return "", Error.Wrap(err)
	}

	var resp addResponse
	if err := r.request(ctx, http.MethodPost, "content/add", w.FormDataContentType(), &body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", Error.New("service returned an empty id")
	}
	return resp.ID, nil
}

// Get downloads the blob id.
func (r *Remote) Get(ctx context.Context, id string) ([]byte, error) {
	if id == "" {
		return nil, ErrNotFound.New("empty id")
	}
	var data []byte
	if err := r.request(ctx, http.MethodGet, "content/"+url.PathEscape(id), "", nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Delete unpins id, retrying failures other than not-found with exponential
// back-off.
func (r *Remote) Delete(ctx context.Context, id string, retries int) error {
	if id == "" {
		return ErrNotFound.New("empty id")
	}
	if retries < 0 {
		retries = 0
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.InitialInterval

	attempt := 0
	op := func() error {
		attempt++
		err := r.request(ctx, http.MethodDelete, "content/"+url.PathEscape(id), "", nil, nil)
		if ErrNotFound.Has(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			r.log.Debug("blob delete attempt failed", zap.String("blob", id), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
}

func (r *Remote) request(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/%s", r.base, path), body)
	if err != nil {
		return Error.Wrap(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	res, err := r.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = res.Body.Close() }()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return ErrNotFound.New("%s %s", method, path)
	case res.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return Error.New("%s %s: %d %s", method, path, res.StatusCode, strings.TrimSpace(string(msg)))
	}

	switch out := out.(type) {
	case nil:
		return nil
	case *[]byte:
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return Error.Wrap(err)
		}
		*out = data
		return nil
	default:
		return Error.Wrap(json.NewDecoder(res.Body).Decode(out))
	}
}
