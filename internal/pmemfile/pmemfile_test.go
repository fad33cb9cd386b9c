package pmemfile

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulayfs/ulayfs-go/internal/config"
)

func testPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "data")
}

func TestPwritePreadRoundTrip(t *testing.T) {
	f, err := Open(testPath(t), config.Default())
	require.NoError(t, err)
	defer f.Close()

	payload := bytes.Repeat([]byte("a"), 100)
	n, err := f.Pwrite(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	buf := make([]byte, 100)
	n, err = f.Pread(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, payload, buf)
}

func TestPwriteFullBlockUsesInlineCommit(t *testing.T) {
	f, err := Open(testPath(t), config.Default())
	require.NoError(t, err)
	defer f.Close()

	whole := bytes.Repeat([]byte{0xAA}, 4096)
	_, err = f.Pwrite(whole, 0)
	require.NoError(t, err)

	size, err := f.Fstat()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size, "an exact, block-aligned write needs no log entry to recover its size")
}

func TestPreadBeyondEndOfFileReturnsZeroBytes(t *testing.T) {
	f, err := Open(testPath(t), config.Default())
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Pwrite([]byte("hello"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := f.Pread(buf, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPreadHoleBetweenTwoWritesReturnsZeros(t *testing.T) {
	f, err := Open(testPath(t), config.Default())
	require.NoError(t, err)
	defer f.Close()

	// Write block 0, then block 2, leaving virtual block 1 an unwritten
	// hole entirely within the file's extent.
	_, err = f.Pwrite(bytes.Repeat([]byte{0x11}, 4096), 0)
	require.NoError(t, err)
	_, err = f.Pwrite(bytes.Repeat([]byte{0x22}, 4096), 2*4096)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := f.Pread(buf, 4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, bytes.Repeat([]byte{0}, 4096), buf, "unwritten virtual block must read back as zeros")
}

func TestPwriteMidBlockPreservesSurroundingBytes(t *testing.T) {
	f, err := Open(testPath(t), config.Default())
	require.NoError(t, err)
	defer f.Close()

	whole := bytes.Repeat([]byte{0xCC}, 4096)
	_, err = f.Pwrite(whole, 0)
	require.NoError(t, err)

	_, err = f.Pwrite([]byte("PATCH"), 100)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	_, err = f.Pread(buf, 0)
	require.NoError(t, err)

	assert.Equal(t, whole[:100], buf[:100], "bytes before the patch must survive the shadow-block copy")
	assert.Equal(t, []byte("PATCH"), buf[100:105])
	assert.Equal(t, whole[105:], buf[105:], "bytes after the patch must survive the shadow-block copy")
}

func TestPwriteSpanningMultipleBlocksUsesIndirectCommit(t *testing.T) {
	f, err := Open(testPath(t), config.Default())
	require.NoError(t, err)
	defer f.Close()

	// A write with a partial final block has no room in a packed
	// TxCommitInline entry for the residual, so it must fall back to
	// an indirect commit referencing a log entry.
	payload := bytes.Repeat([]byte{0x55}, 3*4096+10)
	_, err = f.Pwrite(payload, 0)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err := f.Pread(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestReadWriteAdvanceSharedOffset(t *testing.T) {
	f, err := Open(testPath(t), config.Default())
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = f.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = f.Lseek(0, SeekSet)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "helloworld", string(buf))
}

func TestReadStopsAtFileSizeBoundary(t *testing.T) {
	f, err := Open(testPath(t), config.Default())
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = f.Lseek(0, SeekSet)
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "read must clamp to the file's current size")
}

func TestLseekWhenceVariants(t *testing.T) {
	f, err := Open(testPath(t), config.Default())
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Pwrite([]byte("0123456789"), 0)
	require.NoError(t, err)

	pos, err := f.Lseek(5, SeekSet)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), pos)

	pos, err = f.Lseek(2, SeekCur)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), pos)

	pos, err = f.Lseek(0, SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), pos)

	_, err = f.Lseek(-100, SeekSet)
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestFstatReportsCommittedFileSize(t *testing.T) {
	f, err := Open(testPath(t), config.Default())
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Pwrite(make([]byte, 10), 4096)
	require.NoError(t, err)

	size, err := f.Fstat()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096+10), size)
}

func TestDataSurvivesCloseAndReopen(t *testing.T) {
	path := testPath(t)

	f, err := Open(path, config.Default())
	require.NoError(t, err)
	_, err = f.Pwrite([]byte("durable"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := Open(path, config.Default())
	require.NoError(t, err)
	defer f2.Close()

	buf := make([]byte, 7)
	n, err := f2.Pread(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "durable", string(buf))
}

func TestConcurrentHandlesWriteDisjointRegionsWithoutCorruption(t *testing.T) {
	path := testPath(t)

	first, err := Open(path, config.Default())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := Open(path, config.Default())
			require.NoError(t, err)
			defer f.Close()

			payload := bytes.Repeat([]byte{byte(i)}, 4096)
			_, err = f.Pwrite(payload, uint64(i)*4096)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	f, err := Open(path, config.Default())
	require.NoError(t, err)
	defer f.Close()

	for i := 0; i < n; i++ {
		buf := make([]byte, 4096)
		_, err := f.Pread(buf, uint64(i)*4096)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 4096), buf, "region %d must hold exactly its own writer's byte", i)
	}
}
