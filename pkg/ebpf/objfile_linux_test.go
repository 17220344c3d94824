//go:build linux

package ebpf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckObjectFile(t *testing.T) {
	dir := t.TempDir()

	assert.Error(t, checkObjectFile(""))
	assert.Error(t, checkObjectFile(filepath.Join(dir, "missing.o")))
	assert.Error(t, checkObjectFile(dir), "directories are rejected")

	obj := filepath.Join(dir, "prog.bpf.o")
	require.NoError(t, os.WriteFile(obj, []byte{0x7f, 'E', 'L', 'F'}, 0o644))
	assert.NoError(t, checkObjectFile(obj))
}

func TestEnsureReadableOwnerBit(t *testing.T) {
	obj := filepath.Join(t.TempDir(), "prog.bpf.o")
	require.NoError(t, os.WriteFile(obj, []byte("x"), 0o200))

	info, err := os.Stat(obj)
	require.NoError(t, err)
	err = ensureReadable(obj, info)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner has no read bit")
}
