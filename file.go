package sftp

import (
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/taruti/binp"
)

// File is an open remote file.  Reads and writes carry explicit offsets
// on the wire; the Read/Write methods keep a local cursor on top.
// Multiple operations may be in flight concurrently; ordering between
// them is the caller's concern.
//
// A File discarded without Close triggers a best-effort asynchronous
// CLOSE so the server side handle is not leaked.
type File struct {
	c      *Client
	path   string
	handle string

	mu     sync.Mutex // guards offset
	offset uint64

	closed atomic.Bool
}

func newFile(c *Client, path, handle string) *File {
	f := &File{c: c, path: path, handle: handle}
	runtime.SetFinalizer(f, (*File).dropClose)
	return f
}

// dropClose is the finalizer path: fire CLOSE without blocking anyone.
func (f *File) dropClose() {
	if f.closed.Swap(true) {
		return
	}
	c, handle := f.c, f.handle
	go func() {
		_ = c.expectStatus(&closePacket{Handle: handle})
	}()
}

// Name returns the path the file was opened with.
func (f *File) Name() string { return f.path }

// Close releases the server side handle.
func (f *File) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	runtime.SetFinalizer(f, nil)
	return f.c.expectStatus(&closePacket{Handle: f.handle})
}

// ReadAt reads len(b) bytes starting at offset off, issuing as many
// READ requests as the negotiated payload size requires.  At end of
// file the error is io.EOF.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	var done int
	for done < len(b) {
		want := uint32(len(b) - done)
		if want > f.c.maxData {
			want = f.c.maxData
		}
		pkt := &readPacket{Handle: f.handle, Offset: uint64(off) + uint64(done), Len: want}
		body, err := f.c.expect(pkt, ssh_FXP_DATA)
		if err != nil {
			return done, err
		}
		var data dataPacket
		if err := data.decode(body); err != nil {
			return done, err
		}
		if len(data.Data) == 0 {
			return done, io.EOF
		}
		if len(data.Data) > int(want) {
			return done, errors.Wrap(ErrUnexpectedBehavior, "server returned more data than requested")
		}
		done += copy(b[done:], data.Data)
	}
	return done, nil
}

// Read reads from the current cursor.
func (f *File) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.ReadAt(b, int64(f.offset))
	f.offset += uint64(n)
	return n, err
}

// WriteAt writes b starting at offset off, chunked to the negotiated
// payload size.
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	var done int
	for done < len(b) {
		chunk := len(b) - done
		if chunk > int(f.c.maxData) {
			chunk = int(f.c.maxData)
		}
		pkt := &writePacket{
			Handle: f.handle,
			Offset: uint64(off) + uint64(done),
			Data:   b[done : done+chunk],
		}
		if err := f.c.expectStatus(pkt); err != nil {
			return done, err
		}
		done += chunk
	}
	return done, nil
}

// Write writes at the current cursor.
func (f *File) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.WriteAt(b, int64(f.offset))
	f.offset += uint64(n)
	return n, err
}

// Seek repositions the cursor to an absolute offset.
func (f *File) Seek(offset uint64) {
	f.mu.Lock()
	f.offset = offset
	f.mu.Unlock()
}

// Stat returns the file's attributes via FSTAT.
func (f *File) Stat() (*Attr, error) {
	return f.c.expectAttrs(&fstatPacket{Handle: f.handle})
}

// SetStat applies the populated fields of attr via FSETSTAT.
func (f *File) SetStat(attr *Attr) error {
	return f.c.expectStatus(&fsetstatPacket{Handle: f.handle, Attr: *attr})
}

// Sync issues fsync@openssh.com for this handle.
func (f *File) Sync() error {
	if _, ok := f.c.ext[extFsync]; !ok {
		return errors.WithStack(ErrOpUnsupported)
	}
	pkt := &extendedPacket{Name: extFsync, Payload: binp.Out().B32String(f.handle).Out()}
	return f.c.expectStatus(pkt)
}

// Dir is an open directory listing.  Like File, a Dir discarded without
// Close spawns a best-effort asynchronous CLOSE.
type Dir struct {
	c      *Client
	path   string
	handle string

	closed atomic.Bool
}

func newDir(c *Client, path, handle string) *Dir {
	d := &Dir{c: c, path: path, handle: handle}
	runtime.SetFinalizer(d, (*Dir).dropClose)
	return d
}

func (d *Dir) dropClose() {
	if d.closed.Swap(true) {
		return
	}
	c, handle := d.c, d.handle
	go func() {
		_ = c.expectStatus(&closePacket{Handle: handle})
	}()
}

// Name returns the path the directory was opened with.
func (d *Dir) Name() string { return d.path }

// ReadEntries returns the next batch of entries, and io.EOF once the
// listing is exhausted.
func (d *Dir) ReadEntries() ([]NamedAttr, error) {
	body, err := d.c.expect(&readdirPacket{Handle: d.handle}, ssh_FXP_NAME)
	if err != nil {
		return nil, err
	}
	var n namePacket
	if err := n.decode(body); err != nil {
		return nil, err
	}
	return n.Entries, nil
}

// Close releases the server side handle.
func (d *Dir) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	runtime.SetFinalizer(d, nil)
	return d.c.expectStatus(&closePacket{Handle: d.handle})
}
