// Package corpus loads the text that layouts are typed against.
package corpus

import (
	"fmt"
	"os"
	"strings"
)

type Options struct {
	// FoldCase lowercases the text so that layouts only need to place
	// lowercase characters.
	FoldCase bool
}

// Load reads a corpus file. The returned error wraps the filesystem error.
func Load(path string, opts Options) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read corpus %s: %w", path, err)
	}
	text := string(data)
	if opts.FoldCase {
		text = strings.ToLower(text)
	}
	return text, nil
}
