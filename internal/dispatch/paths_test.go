package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathRoundTripAcrossRoots(t *testing.T) {
	masterRoot := filepath.Join(t.TempDir(), "master")
	workerRoot := filepath.Join(t.TempDir(), "worker")
	abs := filepath.Join(masterRoot, "data", "keyboards", "ansi.toml")

	rel, err := ToRelative(masterRoot, abs)
	require.NoError(t, err)
	require.Equal(t, "data/keyboards/ansi.toml", rel)

	back, err := ToAbsolute(masterRoot, rel)
	require.NoError(t, err)
	require.Equal(t, abs, back)

	other, err := ToAbsolute(workerRoot, rel)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(workerRoot, "data", "keyboards", "ansi.toml"), other)
}

func TestPathOutsideRootFails(t *testing.T) {
	root := filepath.Join(t.TempDir(), "project")
	outside := filepath.Join(filepath.Dir(root), "elsewhere", "corpus.txt")

	_, err := ToRelative(root, outside)
	require.ErrorIs(t, err, ErrPathResolution)
	require.Equal(t, outside, wirePath(root, outside), "unresolvable paths are sent as given")

	_, err = ToAbsolute(root, "../elsewhere/corpus.txt")
	require.ErrorIs(t, err, ErrPathResolution)
}

func TestRelativeInputsStayRelative(t *testing.T) {
	rel, err := ToRelative("/anything", "data/./corpus/sample.txt")
	require.NoError(t, err)
	require.Equal(t, "data/corpus/sample.txt", rel)
}

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "ergotype.toml"), nil, 0o644))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := FindRoot(nested)
	require.NoError(t, err)
	want, err := filepath.Abs(root)
	require.NoError(t, err)
	require.Equal(t, want, found)
}
