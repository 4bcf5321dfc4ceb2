// Package sealed encrypts cache values at rest. Keys stay readable so the
// manager can still list and match them.
package sealed

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/ehr/medcalc/internal/cache"
)

// ErrCorrupt is returned by Get when a value fails authentication, e.g.
// after a key change. It matches cache.ErrCorrupt.
var ErrCorrupt = fmt.Errorf("sealed: value failed authentication: %w", cache.ErrCorrupt)

// Store wraps a cache.Store with AES-256-GCM. Each value is bound to its
// bucket and key, so a value copied under another key does not open.
type Store struct {
	inner cache.Store
	aead  cipher.AEAD
}

// New wraps inner with a 32-byte key.
func New(inner cache.Store, key []byte) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealed: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealed: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealed: create GCM: %w", err)
	}
	return &Store{inner: inner, aead: aead}, nil
}

// KeyFromBase64 decodes a standard base64 key as found in configuration.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("sealed: decode key: %w", err)
	}
	return key, nil
}

func additionalData(bucket, key string) []byte {
	return []byte(bucket + "\x00" + key)
}

func (s *Store) seal(bucket, key string, value []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("sealed: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, value, additionalData(bucket, key)), nil
}

func (s *Store) open(bucket, key string, data []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, ErrCorrupt
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], additionalData(bucket, key))
	if err != nil {
		return nil, ErrCorrupt
	}
	return plain, nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := s.inner.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return s.open(bucket, key, data)
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) error {
	data, err := s.seal(bucket, key, value)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, bucket, key, data)
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	return s.inner.Delete(ctx, bucket, key)
}

func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	return s.inner.Keys(ctx, bucket)
}

func (s *Store) Clear(ctx context.Context, bucket string) error {
	return s.inner.Clear(ctx, bucket)
}

// Close closes the wrapped store when it holds resources.
func (s *Store) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
