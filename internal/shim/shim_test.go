package shim

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulayfs/ulayfs-go/internal/config"
)

func TestOpenWritePreadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")

	fd, err := Open(path, config.Default())
	require.NoError(t, err)
	defer Close(fd)

	assert.True(t, IsOurs(fd))

	n, err := Write(fd, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = Pread(fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestDispatchFallsThroughForFdsThisPackageNeverMinted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	fd, err := Open(path, config.Default())
	require.NoError(t, err)
	defer Close(fd)

	// A made-up low fd number was never minted by Open, so it must not
	// resolve to the file just opened above.
	assert.False(t, IsOurs(3))
}

func TestCloseRemovesTheFdFromTheRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	fd, err := Open(path, config.Default())
	require.NoError(t, err)

	require.NoError(t, Close(fd))
	assert.False(t, IsOurs(fd), "fd must no longer dispatch after Close")
}

func TestLseekAndReadShareTheFilesCurrentOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	fd, err := Open(path, config.Default())
	require.NoError(t, err)
	defer Close(fd)

	_, err = Pwrite(fd, []byte("0123456789"), 0)
	require.NoError(t, err)

	f, ok := global.Dispatch(fd)
	require.True(t, ok)
	_, err = f.Lseek(5, 0)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "56789", string(buf))
}

func TestFstatReportsWrittenSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	fd, err := Open(path, config.Default())
	require.NoError(t, err)
	defer Close(fd)

	_, err = Pwrite(fd, bytes.Repeat([]byte{1}, 4096+10), 0)
	require.NoError(t, err)

	size, err := Fstat(fd)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096+10), size)
}

func TestMintedFdsAreUniquePerOpen(t *testing.T) {
	dir := t.TempDir()
	fd1, err := Open(filepath.Join(dir, "a"), config.Default())
	require.NoError(t, err)
	defer Close(fd1)
	fd2, err := Open(filepath.Join(dir, "b"), config.Default())
	require.NoError(t, err)
	defer Close(fd2)

	assert.NotEqual(t, fd1, fd2)
}
