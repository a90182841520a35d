// Package checkpoint implements the Filter Checkpoint Store (spec §4.7):
// best-effort persistence of opaque FilterState bytes, keyed by
// "<pattern_id>/<market_key>", behind the adapter.CheckpointStore interface.
//
// Two implementations are provided, both reworked from the teacher's
// internal/store/store.go: FileStore keeps that package's exact
// write-to-.tmp-then-rename atomicity, generalized from one file per market
// to one file per (pattern_id, market_key) pair; HTTPStore replaces the
// local filesystem with a resty-backed REST call, grounded on
// internal/exchange/client.go's base-URL/retry/timeout client shape. Both
// are wrapped in zstd compression before bytes reach either backend, so a
// caller never has to reason about compression itself.
package checkpoint

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/zstd"

	"latency-arb-engine/internal/config"
)

// Key builds the canonical checkpoint key for a pattern/market pair. The
// engine calls this rather than formatting the string inline so the key
// scheme stays in one place.
func Key(patternID uint16, marketKey string) string {
	return fmt.Sprintf("%d/%s", patternID, marketKey)
}

// FileStore persists checkpoint values as JSON-adjacent opaque blobs under a
// directory, one file per key, using the teacher's atomic
// write-.tmp-then-rename pattern. A missing or unreadable file is reported
// as (nil, false, nil) — cold start — never as an error, per the
// CheckpointStore contract.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore opens (creating if necessary) a directory-backed checkpoint
// store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) pathFor(key string) string {
	// Keys are "<pattern_id>/<market_key>"; market_key may itself contain
	// characters unsafe in a bare filename, so the whole key is escaped
	// into one flat filename rather than mirrored as a subdirectory.
	return filepath.Join(s.dir, escapeKey(key)+".ckpt")
}

func escapeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Load returns the raw (still-compressed) bytes for key, or ok=false if no
// entry exists or the file is unreadable/corrupt — the caller (checkpoint
// codec wrapper) treats either as cold start.
func (s *FileStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, nil
	}
	return data, true, nil
}

// Save atomically persists value for key via write-then-rename.
func (s *FileStore) Save(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// Delete removes a checkpoint entry. A missing file is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// HTTPStore persists checkpoint values against a remote store over HTTP,
// for deployments that centralize checkpoints outside the engine's own
// filesystem. Built the way the teacher builds its CLOB client: a resty
// client with a base URL, fixed timeout, and bounded retry on 5xx.
type HTTPStore struct {
	http *resty.Client
}

// NewHTTPStore builds an HTTPStore against cfg.Endpoint, attaching an
// API-key header if one is configured.
func NewHTTPStore(cfg config.CheckpointConfig) *HTTPStore {
	c := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	if cfg.APIKey != "" {
		c = c.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &HTTPStore{http: c}
}

// Load fetches the opaque bytes stored at key. A 404 is reported as cold
// start, matching FileStore's not-exist semantics.
func (s *HTTPStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		Get("/checkpoints/" + key)
	if err != nil {
		return nil, false, fmt.Errorf("load checkpoint: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, false, fmt.Errorf("load checkpoint: status %d", resp.StatusCode())
	}
	return resp.Body(), true, nil
}

// Save PUTs value to key.
func (s *HTTPStore) Save(ctx context.Context, key string, value []byte) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(value).
		Put("/checkpoints/" + key)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("save checkpoint: status %d", resp.StatusCode())
	}
	return nil
}

// Delete removes the entry at key.
func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	resp, err := s.http.R().
		SetContext(ctx).
		Delete("/checkpoints/" + key)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if resp.StatusCode() >= 300 && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("delete checkpoint: status %d", resp.StatusCode())
	}
	return nil
}

// backend is the subset of adapter.CheckpointStore that CompressedStore
// wraps; FileStore and HTTPStore both satisfy it.
type backend interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// CompressedStore wraps a backend with zstd compression so that FilterState
// snapshots — which are mostly repeated float64 matrix shapes — take a
// fraction of their marshaled size on disk or over the wire.
type CompressedStore struct {
	backend backend
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// NewCompressedStore wraps backend with a shared zstd encoder/decoder pair.
func NewCompressedStore(backend backend) (*CompressedStore, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("new zstd decoder: %w", err)
	}
	return &CompressedStore{backend: backend, enc: enc, dec: dec}, nil
}

// Load decompresses the backend's stored bytes. A corrupt frame is treated
// as cold start rather than propagated as an error (spec §4.7).
func (c *CompressedStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := c.backend.Load(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, false, nil
	}
	return plain, true, nil
}

// Save compresses value before handing it to the backend.
func (c *CompressedStore) Save(ctx context.Context, key string, value []byte) error {
	compressed := c.enc.EncodeAll(value, make([]byte, 0, len(value)))
	return c.backend.Save(ctx, key, compressed)
}

// Delete removes the entry, passing through to the backend directly.
func (c *CompressedStore) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

// Close releases the encoder/decoder. Backends with no resources of their
// own (FileStore, HTTPStore) need no corresponding Close.
func (c *CompressedStore) Close() {
	c.enc.Close()
	c.dec.Close()
}

// New builds the configured checkpoint backend (file or http) wrapped in
// compression, per cfg.Backend (spec §6 checkpoint.backend).
func New(cfg config.CheckpointConfig) (*CompressedStore, error) {
	var b backend
	switch cfg.Backend {
	case "http":
		b = NewHTTPStore(cfg)
	default:
		fs, err := NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		b = fs
	}
	return NewCompressedStore(b)
}
