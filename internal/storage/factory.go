package storage

import (
	"fmt"
	"path/filepath"
)

// DefaultPath is the sqlite database file, relative to the project root.
const DefaultPath = "ergotype.db"

// Options selects and locates the result store.
type Options struct {
	// Kind is memory or sqlite; empty picks DefaultStoreKind for this build.
	Kind string `mapstructure:"kind"`
	// Path is the sqlite database. Relative paths resolve against Root.
	Path string `mapstructure:"path"`
	Root string `mapstructure:"-"`
}

func (o Options) kind() string {
	if o.Kind == "" {
		return DefaultStoreKind()
	}
	return o.Kind
}

// SQLitePath is the database file a sqlite store opens.
func (o Options) SQLitePath() string {
	path := o.Path
	if path == "" {
		path = DefaultPath
	}
	if filepath.IsAbs(path) || o.Root == "" {
		return path
	}
	return filepath.Join(o.Root, path)
}

func NewStore(opts Options) (Store, error) {
	switch kind := opts.kind(); kind {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(opts.SQLitePath())
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// Close releases stores that hold a database handle.
func Close(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
