package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateFileCreatesAndTruncates(t *testing.T) {
	a := NewAllocator()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.bin")

	te := a.AllocateFile(path, 4096)
	require.Nil(t, te)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 4096, info.Size())
}

func TestAllocateFileZeroSizeStillCreatesFile(t *testing.T) {
	a := NewAllocator()
	path := filepath.Join(t.TempDir(), "empty.bin")

	te := a.AllocateFile(path, 0)
	require.Nil(t, te)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 0, info.Size())
}

func TestAllocateFileRejectsImpossibleSize(t *testing.T) {
	a := NewAllocator()
	path := filepath.Join(t.TempDir(), "huge.bin")

	te := a.AllocateFile(path, 1<<62)
	require.NotNil(t, te)
}
