// Package backend is the boundary to the external session/persistence store.
//
// The relay only consumes from the store: validating externally minted
// session keys, persisting snapshots and appending log lines. The store may
// be slow or unavailable at any time; callers on the relay's hot path go
// through Async so a struggling store can never stall a broadcast, and the
// relay's correctness never depends on a store call succeeding.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Store is the collaborator surface the relay depends on.
type Store interface {
	ValidateSessionKey(ctx context.Context, key string) (bool, error)
	PersistSnapshot(ctx context.Context, sessionKey string, payload []byte) error
	AppendLog(ctx context.Context, line string) error
}

// HTTPStore talks to the admin/store service over plain HTTP.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// Cfg configures an HTTPStore.
type Cfg func(*HTTPStore) error

// WithBaseURL sets the store's base URL.
func WithBaseURL(baseURL string) Cfg {
	return func(s *HTTPStore) error {
		if _, err := url.Parse(baseURL); err != nil {
			return errors.Wrap(err, "parse base URL failed")
		}
		s.baseURL = strings.TrimSuffix(baseURL, "/")
		return nil
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Cfg {
	return func(s *HTTPStore) error {
		s.client.Timeout = timeout
		return nil
	}
}

// NewHTTPStore creates a new HTTPStore with the given configuration.
func NewHTTPStore(cfgs ...Cfg) (*HTTPStore, error) {
	store := &HTTPStore{
		client: &http.Client{Timeout: 2 * time.Second},
	}
	for _, cfg := range cfgs {
		if err := cfg(store); err != nil {
			return nil, errors.Wrap(err, "apply HTTPStore cfg failed")
		}
	}
	if store.baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	return store, nil
}

// ValidateSessionKey asks the store whether key names an active session.
func (s *HTTPStore) ValidateSessionKey(ctx context.Context, key string) (bool, error) {
	endpoint := fmt.Sprintf("%s/sessions/%s/active", s.baseURL, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, errors.Wrap(err, "build validate request failed")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "validate session key failed")
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errors.Errorf("validate session key: unexpected status %d", resp.StatusCode)
	}
}

// PersistSnapshot posts a snapshot JSON document for the given session.
func (s *HTTPStore) PersistSnapshot(ctx context.Context, sessionKey string, payload []byte) error {
	endpoint := fmt.Sprintf("%s/sessions/%s/snapshots", s.baseURL, url.PathEscape(sessionKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build snapshot request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "persist snapshot failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("persist snapshot: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// AppendLog appends one log line to the store's log sink.
func (s *HTTPStore) AppendLog(ctx context.Context, line string) error {
	endpoint := s.baseURL + "/logs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(line))
	if err != nil {
		return errors.Wrap(err, "build log request failed")
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "append log failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("append log: unexpected status %d", resp.StatusCode)
	}
	return nil
}
