package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorrupt is returned by LoadJSON when a document exists but cannot be decoded
var ErrCorrupt = errors.New("document corrupt")

// CorruptSuffix marks the copy Quarantine keeps of an undecodable document
const CorruptSuffix = ".corrupt"

// LoadJSON reads and decodes the document under key. Missing documents yield
// ErrNotFound and undecodable ones ErrCorrupt; both mean "use the default".
// Any other error is a store failure.
func LoadJSON[T any](ctx context.Context, s Storage, key string) (T, error) {
	var v T
	raw, err := s.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return v, nil
}

// SaveJSON encodes v and stores it under key
func SaveJSON(ctx context.Context, s Storage, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// IsMissing reports whether err means the document should fall back to its default
func IsMissing(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt)
}

// Quarantine copies the raw document under key to key+CorruptSuffix, so
// callers can replace a corrupt document with a fresh default without
// losing what was there. It returns the backup key.
func Quarantine(ctx context.Context, s Storage, key string) (string, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read %s for quarantine: %w", key, err)
	}
	backup := key + CorruptSuffix
	if err := s.Put(ctx, backup, raw); err != nil {
		return "", fmt.Errorf("failed to quarantine %s: %w", key, err)
	}
	return backup, nil
}
