// Package storage defines the key-value contract the engine persists through.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Entry is one key-value pair returned by a prefix scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a flat key-value store with prefix scans.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	GetByPrefix(ctx context.Context, prefix string) ([]Entry, error)
}
