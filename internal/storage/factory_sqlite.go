//go:build sqlite

package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

func DefaultStoreKind() string {
	return "sqlite"
}

func newSQLiteStore(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return NewSQLiteStore(path), nil
}
