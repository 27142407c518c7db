// Package blobstore archives sweep reports. Production writes to S3; the
// memory driver backs dev mode and tests.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	ContentTypeJSON = "application/json"

	defaultMaxGetSize int64 = 4 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

type Store interface {
	Put(ctx context.Context, key string, payload []byte, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	LastModified time.Time
}

type Config struct {
	Driver string
	// Prefix is prepended to every key, e.g. "sepolia".
	Prefix string
	// MaxGetSize bounds Get; defaults to 4 MiB.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case DriverMemory:
		return NewMemoryStore(prefix), nil
	case DriverS3, "":
		s, err := newS3Store(cfg, prefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// PutJSON marshals v with indentation and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("blobstore: marshal %q: %w", key, err)
	}
	return s.Put(ctx, key, b, ContentTypeJSON)
}

func cleanKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: surrounding whitespace", ErrInvalidKey)
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.ContainsFunc(key, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return "", fmt.Errorf("%w: control character", ErrInvalidKey)
	}
	return key, nil
}

func withPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
