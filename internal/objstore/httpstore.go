package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"jobd/internal/apperrors"
	"jobd/pkg/backoff"
)

const (
	// metaHeaderPrefix carries object tags as HTTP headers on PUT and HEAD.
	metaHeaderPrefix = "X-Meta-"

	maxUploadRetries = 3
)

var uploadBackoff = &backoff.Config{
	Initial: 500 * time.Millisecond,
	Max:     5 * time.Second,
}

// HTTPStore talks to a remote object service over plain HTTP:
//
//	GET    /objects?prefix=...   JSON listing
//	HEAD   /objects/<key>        existence and X-Meta-* tags
//	GET    /objects/<key>        content
//	PUT    /objects/<key>        content, tags as X-Meta-* headers
//	DELETE /objects/<key>
//
// Uploads retry on transient failures; 4xx responses fail immediately.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
	retry   *backoff.Config
}

// HTTPStoreOption configures an HTTPStore.
type HTTPStoreOption func(*HTTPStore)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPStoreOption {
	return func(s *HTTPStore) { s.client = c }
}

// NewHTTPStore creates a store for the object service at baseURL. The token,
// if set, is sent as a bearer credential on every request.
func NewHTTPStore(baseURL, token string, opts ...HTTPStoreOption) (*HTTPStore, error) {
	if baseURL == "" {
		return nil, apperrors.Validation("baseURL", "object store URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, apperrors.Validation("baseURL", fmt.Sprintf("invalid object store URL %q", baseURL))
	}

	s := &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
		retry:   uploadBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// listResponse is the wire shape of the listing endpoint.
type listResponse struct {
	Objects []Object `json:"objects"`
}

func (s *HTTPStore) List(ctx context.Context, prefix string) ([]Object, error) {
	u := fmt.Sprintf("%s/objects?prefix=%s", s.baseURL, url.QueryEscape(strings.TrimPrefix(prefix, "/")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperrors.Internal("objstore.list", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.Internal("objstore.list", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError("objstore.list", prefix, resp)
	}

	var listing listResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, apperrors.Internal("objstore.list", err)
	}
	return listing.Objects, nil
}

func (s *HTTPStore) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.head(ctx, key)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, s.statusError("objstore.exists", key, resp)
	}
}

func (s *HTTPStore) Metadata(ctx context.Context, key string) (map[string]string, error) {
	resp, err := s.head(ctx, key)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		tags := map[string]string{}
		for name, values := range resp.Header {
			if strings.HasPrefix(name, metaHeaderPrefix) && len(values) > 0 {
				tags[strings.ToLower(strings.TrimPrefix(name, metaHeaderPrefix))] = values[0]
			}
		}
		return tags, nil
	case http.StatusNotFound:
		return nil, apperrors.NotFound("object", key)
	default:
		return nil, s.statusError("objstore.metadata", key, resp)
	}
}

func (s *HTTPStore) Download(ctx context.Context, key, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(key), nil)
	if err != nil {
		return apperrors.Internal("objstore.download", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Internal("objstore.download", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return apperrors.NotFound("object", key)
	default:
		return s.statusError("objstore.download", key, resp)
	}

	if err := writeAtomic(localPath, resp.Body); err != nil {
		return apperrors.Internal("objstore.download", err)
	}
	return nil
}

func (s *HTTPStore) Upload(ctx context.Context, localPath, key string, metadata map[string]string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return apperrors.Internal("objstore.upload", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxUploadRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.Exponential(attempt, s.retry)); err != nil {
				return err
			}
		}

		lastErr = s.put(ctx, localPath, key, info.Size(), metadata)
		if lastErr == nil {
			return nil
		}
		// Client errors will not improve on retry.
		var statusErr *httpStatusError
		if errors.As(lastErr, &statusErr) && statusErr.clientError() {
			return lastErr
		}
	}
	return apperrors.Internal("objstore.upload", fmt.Errorf("upload %s failed after %d attempts: %w", key, maxUploadRetries+1, lastErr))
}

func (s *HTTPStore) put(ctx context.Context, localPath, key string, size int64, metadata map[string]string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key), file)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	for name, value := range metadata {
		req.Header.Set(metaHeaderPrefix+name, value)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &httpStatusError{status: resp.StatusCode, message: strings.TrimSpace(string(body))}
	}
	return nil
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(key), nil)
	if err != nil {
		return apperrors.Internal("objstore.delete", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Internal("objstore.delete", err)
	}
	defer resp.Body.Close()

	// Deleting a missing key is not an error.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return s.statusError("objstore.delete", key, resp)
}

func (s *HTTPStore) head(ctx context.Context, key string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.objectURL(key), nil)
	if err != nil {
		return nil, apperrors.Internal("objstore.head", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.Internal("objstore.head", err)
	}
	return resp, nil
}

func (s *HTTPStore) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

func (s *HTTPStore) objectURL(key string) string {
	key = strings.TrimPrefix(key, "/")
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/objects/" + strings.Join(segments, "/")
}

func (s *HTTPStore) statusError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return apperrors.Internal(op, fmt.Errorf("%s: unexpected status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body))))
}

// httpStatusError reports a non-2xx PUT response.
type httpStatusError struct {
	status  int
	message string
}

func (e *httpStatusError) Error() string {
	return "upload failed with status " + strconv.Itoa(e.status) + ": " + e.message
}

func (e *httpStatusError) clientError() bool {
	return e.status >= 400 && e.status < 500
}
