package sftp

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startSession wires a real Client to a real Server over an in-memory
// pipe.
func startSession(t *testing.T, h Handler) (*Client, func()) {
	t.Helper()
	near, far := net.Pipe()

	s, err := NewServer(far, h)
	require.NoError(t, err)
	errC := make(chan error, 1)
	go func() { errC <- s.Serve() }()

	c, err := NewClientPipe(near, near)
	require.NoError(t, err)

	return c, func() {
		_ = c.Close()
		require.NoError(t, <-errC)
		_ = far.Close()
	}
}

func TestEndToEndFileLifecycle(t *testing.T) {
	h := newMemHandler()
	c, stop := startSession(t, h)
	defer stop()

	f, err := c.Open("/notes.txt", FlagWrite|FlagCreate, nil)
	require.NoError(t, err)
	n, err := f.Write([]byte("hello sftp"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	f, err = c.Open("/notes.txt", FlagRead, nil)
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello sftp", string(got))

	a, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), a.Size)
	assert.Equal(t, FileTypeRegular, a.FileType())
	require.NoError(t, f.Close())
}

func TestEndToEndLargeTransfer(t *testing.T) {
	h := newMemHandler()
	c, stop := startSession(t, h)
	defer stop()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 8192) // 128 KiB, several chunks
	f, err := c.Open("/blob", FlagWrite|FlagCreate, nil)
	require.NoError(t, err)
	n, err := f.WriteAt(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	f, err = c.Open("/blob", FlagRead, nil)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	n, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
	require.NoError(t, f.Close())
}

func TestEndToEndDirectoryOps(t *testing.T) {
	h := newMemHandler()
	c, stop := startSession(t, h)
	defer stop()

	require.NoError(t, c.Mkdir("/docs", nil))
	f, err := c.Open("/docs/a.txt", FlagWrite|FlagCreate, nil)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := c.ReadDir("/docs")
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{".", "..", "a.txt"}, names)

	require.NoError(t, c.Rename("/docs/a.txt", "/docs/b.txt"))
	require.NoError(t, c.Remove("/docs/b.txt"))
	require.NoError(t, c.Rmdir("/docs"))

	_, err = c.Stat("/docs")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusNoSuchFile, se.Code)
}

func TestEndToEndLinksAndPaths(t *testing.T) {
	h := newMemHandler()
	c, stop := startSession(t, h)
	defer stop()

	f, err := c.Open("/target", FlagWrite|FlagCreate, nil)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, c.Symlink("/link", "/target"))
	target, err := c.ReadLink("/link")
	require.NoError(t, err)
	assert.Equal(t, "/target", target)

	a, err := c.Lstat("/link")
	require.NoError(t, err)
	assert.Equal(t, FileTypeSymlink, a.FileType())

	resolved, err := c.RealPath("x/../target")
	require.NoError(t, err)
	assert.Equal(t, "/target", resolved)

	require.NoError(t, c.Hardlink("/target", "/hard"))
	_, err = c.Stat("/hard")
	require.NoError(t, err)
}

func TestEndToEndSetStat(t *testing.T) {
	h := newMemHandler()
	c, stop := startSession(t, h)
	defer stop()

	f, err := c.Open("/trim", FlagWrite|FlagCreate, nil)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, c.Truncate("/trim", 4))
	a, err := c.Stat("/trim")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), a.Size)

	require.NoError(t, c.Chmod("/trim", 0600))
	a, err = c.Stat("/trim")
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), fileModeToSftp(a.Mode)&0777)
}

func TestEndToEndExtensions(t *testing.T) {
	h := newMemHandler()
	c, stop := startSession(t, h)
	defer stop()

	limits, err := c.Limits()
	require.NoError(t, err)
	assert.Equal(t, uint64(defaultMaxFrame), limits.MaxPacketLen)

	st, err := c.StatVFS("/")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), st.Bsize)
	assert.Equal(t, uint64(255), st.Namemax)
}

func TestEndToEndPosixRename(t *testing.T) {
	h := newMemHandler()
	c, stop := startSession(t, h)
	defer stop()

	f, err := c.Open("/old", FlagWrite|FlagCreate, nil)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, c.PosixRename("/old", "/new"))
	_, err = c.Stat("/new")
	require.NoError(t, err)
	_, err = c.Stat("/old")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusNoSuchFile, se.Code)
}

func TestEndToEndWalk(t *testing.T) {
	h := newMemHandler()
	c, stop := startSession(t, h)
	defer stop()

	require.NoError(t, c.Mkdir("/sub", nil))
	for _, p := range []string{"/top.txt", "/sub/leaf.txt"} {
		f, err := c.Open(p, FlagWrite|FlagCreate, nil)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	var visited []string
	w := c.Walk("/")
	for w.Step() {
		require.NoError(t, w.Err())
		visited = append(visited, w.Path())
	}
	assert.Equal(t, []string{"/", "/sub", "/sub/leaf.txt", "/top.txt"}, visited)
}

func TestEndToEndConcurrentFiles(t *testing.T) {
	h := newMemHandler()
	c, stop := startSession(t, h)
	defer stop()

	const workers = 8
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			name := string(rune('a'+i)) + ".dat"
			f, err := c.Open("/"+name, FlagWrite|FlagCreate, nil)
			if err == nil {
				_, err = f.WriteAt(bytes.Repeat([]byte{byte(i)}, 1024), 0)
			}
			if err == nil {
				err = f.Close()
			}
			errs <- err
		}(i)
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}

	entries, err := c.ReadDir("/")
	require.NoError(t, err)
	assert.Len(t, entries, workers+2)
}
