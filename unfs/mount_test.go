package unfs

import (
	"context"
	"testing"

	"github.com/deyohong/UNFS/storage/device"
	"github.com/stretchr/testify/require"
)

const testPageCount = 2000

func formatted(t *testing.T) *device.MemDevice {
	t.Helper()
	dev := device.NewMemDevice("test-image", testPageCount, 512)
	require.NoError(t, Format(context.Background(), dev, "unit-test", 0))
	return dev
}

func TestFormatOpenCheck(t *testing.T) {
	ctx := context.Background()
	dev := formatted(t)

	fs, h, err := Open(ctx, dev, 2)
	require.NoError(t, err)
	require.NoError(t, fs.Check(ctx))

	st := fs.Stat()
	require.Equal(t, uint64(testPageCount), st.PageCount)
	require.Equal(t, uint64(1), st.DirCount) // just the root
	require.Equal(t, uint64(1), st.FDCount)

	exists, isdir, _, err := fs.Exist(h, "/")
	require.NoError(t, err)
	require.True(t, exists)
	require.True(t, isdir)
}

func TestOpenRejectsCorruptedDataPage(t *testing.T) {
	ctx := context.Background()
	dev := formatted(t)
	fs, h, err := Open(ctx, dev, 1)
	require.NoError(t, err)

	// Corrupt the stored data_page field directly in the header and rewrite
	// it, then confirm a fresh Open rejects the image.
	fs.header.DataPage++
	ioc, release, err := fs.ioSpan(ctx)
	require.NoError(t, err)
	require.NoError(t, fs.writePages(ctx, ioc, 0, MarshalHeader(fs.header)))
	release()

	_, _, err = Open(ctx, dev, 1)
	require.Error(t, err)
}

func TestCreateAndPersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dev := formatted(t)

	fs1, h1, err := Open(ctx, dev, 1)
	require.NoError(t, err)

	_, err = fs1.Create(ctx, h1, "/docs", true, false)
	require.NoError(t, err)
	_, err = fs1.Create(ctx, h1, "/docs/readme.txt", false, false)
	require.NoError(t, err)

	f, err := fs1.OpenFile(ctx, h1, "/docs/readme.txt", FlagCreate)
	require.NoError(t, err)
	n, err := fs1.Write(ctx, h1, f, []byte("hello unfs"), 0)
	require.NoError(t, err)
	require.Equal(t, len("hello unfs"), n)
	require.NoError(t, fs1.CloseFile(ctx, h1, f))
	require.NoError(t, fs1.Flush(ctx))

	// Reopen a second Filesystem over the same device without closing fs1,
	// simulating what a fresh mount would observe on disk.
	fs2, h2, err := Open(ctx, dev, 1)
	require.NoError(t, err)
	require.NoError(t, fs2.Check(ctx))

	exists, isdir, _, err := fs2.Exist(h2, "/docs")
	require.NoError(t, err)
	require.True(t, exists)
	require.True(t, isdir)

	exists, isdir, size, err := fs2.Exist(h2, "/docs/readme.txt")
	require.NoError(t, err)
	require.True(t, exists)
	require.False(t, isdir)
	require.Equal(t, uint64(len("hello unfs")), size)

	f2, err := fs2.OpenFile(ctx, h2, "/docs/readme.txt", 0)
	require.NoError(t, err)
	buf := make([]byte, size)
	n, err = fs2.Read(ctx, h2, f2, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello unfs", string(buf[:n]))
	require.NoError(t, fs2.CloseFile(ctx, h2, f2))

	children, err := fs2.DirList(h2, "/docs")
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "readme.txt", children[0].Name)
}

func TestStaleHandleRejected(t *testing.T) {
	ctx := context.Background()
	dev := formatted(t)

	fs, h, err := Open(ctx, dev, 1)
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, h))

	_, _, _, err = fs.Exist(h, "/")
	require.Error(t, err)
}
