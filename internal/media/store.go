// Package media stores uploaded images (avatars and message attachments) in
// an embedded badger database and serves them by id. Uploads arrive as
// base64 data URLs; the content type is sniffed from the bytes rather than
// trusted from the URL.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/directchat/internal/apperr"
)

// MaxBytes is the largest accepted decoded image.
const MaxBytes = 5 << 20

// URLPrefix is the path blobs are served under.
const URLPrefix = "/media/"

const (
	blobPrefix = "blob:"
	typeSuffix = ":type"
)

// Blob describes a stored image.
type Blob struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// Store is a badger-backed blob store.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) a badger database at path. An empty path keeps
// everything in memory.
func Open(path string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("media: open badger: %w", err)
	}
	return NewStore(db, logger), nil
}

// NewStore wraps an open badger database.
func NewStore(db *badger.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// IsDataURL reports whether s looks like a data URL rather than a plain
// reference.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// Upload decodes a base64 data URL and stores it. Only images up to MaxBytes
// are accepted.
func (s *Store) Upload(ctx context.Context, dataURL string) (Blob, error) {
	data, err := decodeDataURL(dataURL)
	if err != nil {
		return Blob{}, err
	}
	return s.Put(ctx, data)
}

// Put stores raw image bytes under a fresh id.
func (s *Store) Put(ctx context.Context, data []byte) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	if len(data) == 0 {
		return Blob{}, apperr.Validation("image is empty")
	}
	if len(data) > MaxBytes {
		return Blob{}, apperr.Validation(fmt.Sprintf("image exceeds %d byte limit", MaxBytes))
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Blob{}, apperr.Validation(fmt.Sprintf("unsupported content type %s", mt.String()))
	}

	id := uuid.NewString()
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(blobPrefix+id), data); err != nil {
			return err
		}
		return txn.Set([]byte(blobPrefix+id+typeSuffix), []byte(mt.String()))
	})
	if err != nil {
		return Blob{}, fmt.Errorf("media: store blob: %w", err)
	}

	return Blob{
		ID:          id,
		URL:         URLPrefix + id,
		ContentType: mt.String(),
		Size:        len(data),
	}, nil
}

// Get returns a blob and its bytes.
func (s *Store) Get(ctx context.Context, id string) (Blob, []byte, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, nil, err
	}

	var (
		data        []byte
		contentType string
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blobPrefix + id))
		if err != nil {
			return err
		}
		if data, err = item.ValueCopy(nil); err != nil {
			return err
		}
		item, err = txn.Get([]byte(blobPrefix + id + typeSuffix))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			contentType = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Blob{}, nil, apperr.NotFound("media")
	}
	if err != nil {
		return Blob{}, nil, fmt.Errorf("media: get blob: %w", err)
	}

	return Blob{ID: id, URL: URLPrefix + id, ContentType: contentType, Size: len(data)}, data, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(blobPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(blobPrefix + id + typeSuffix))
	})
	if err != nil {
		return fmt.Errorf("media: delete blob: %w", err)
	}
	return nil
}

// RunGC reclaims value-log space every interval until ctx is done.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// Close closes the badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func decodeDataURL(dataURL string) ([]byte, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return nil, apperr.Validation("image must be a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, apperr.Validation("image must be base64 encoded")
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxBytes+2 {
		return nil, apperr.Validation(fmt.Sprintf("image exceeds %d byte limit", MaxBytes))
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apperr.Validation("image is not valid base64")
	}
	return data, nil
}
