package sftp

import (
	"io"
)

// Handler is the surface a server embedder implements.  One method per
// request kind; handle-scoped requests (READ, WRITE, FSTAT, FSETSTAT,
// CLOSE, fsync@openssh.com) are routed to the FileHandle or DirHandle
// returned by Open/OpenDir.  The engine owns IDs, handle strings and
// reply encoding; methods return either the positive result or an
// error, which is mapped onto a STATUS reply.
//
// Embed UnimplementedHandler to pick up OP_UNSUPPORTED defaults for the
// request kinds a backend does not serve.
type Handler interface {
	// Open opens or creates a file.  flags is the raw pflags bitmask
	// (FlagRead, FlagWrite, ...); attr carries exactly the fields the
	// client populated.
	Open(path string, flags uint32, attr *Attr) (FileHandle, error)

	// OpenDir starts a directory listing.
	OpenDir(path string) (DirHandle, error)

	// Stat returns attributes for a path.  followLinks distinguishes
	// STAT (true) from LSTAT (false).
	Stat(path string, followLinks bool) (*Attr, error)

	// SetStat applies the populated fields of attr to a path.  Whether
	// a partial mask overwrites or merges is the embedder's choice.
	SetStat(path string, attr *Attr) error

	Remove(path string) error
	Mkdir(path string, attr *Attr) error
	Rmdir(path string) error
	Rename(oldpath, newpath string) error

	// Symlink creates linkpath pointing at target.
	Symlink(linkpath, target string) error
	ReadLink(path string) (string, error)
	RealPath(path string) (string, error)

	// Hardlink serves hardlink@openssh.com.
	Hardlink(oldpath, newpath string) error

	// StatVFS serves statvfs@openssh.com.
	StatVFS(path string) (*StatVFS, error)

	// Extended serves EXTENDED requests whose name the engine does not
	// recognize.  The returned bytes become the EXTENDED_REPLY payload.
	Extended(name string, payload []byte) ([]byte, error)
}

// FileHandle is one open file.  The engine calls it from concurrent
// request goroutines; implementations must tolerate interleaved
// ReadAt/WriteAt, which carry explicit offsets.
type FileHandle interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Stat serves FSTAT on this handle.
	Stat() (*Attr, error)

	// SetStat serves FSETSTAT on this handle.
	SetStat(*Attr) error

	// Sync serves fsync@openssh.com on this handle.
	Sync() error
}

// DirHandle is one directory listing in progress.  ReadEntries returns
// the next batch, at most max entries, and io.EOF once exhausted.
type DirHandle interface {
	io.Closer
	ReadEntries(max int) ([]NamedAttr, error)
}

// UnimplementedHandler returns OP_UNSUPPORTED from every method.
// Embed it so partial backends stay compatible as the surface grows.
type UnimplementedHandler struct{}

var _ Handler = UnimplementedHandler{}

func (UnimplementedHandler) Open(string, uint32, *Attr) (FileHandle, error) {
	return nil, ErrOpUnsupported
}
func (UnimplementedHandler) OpenDir(string) (DirHandle, error)      { return nil, ErrOpUnsupported }
func (UnimplementedHandler) Stat(string, bool) (*Attr, error)       { return nil, ErrOpUnsupported }
func (UnimplementedHandler) SetStat(string, *Attr) error            { return ErrOpUnsupported }
func (UnimplementedHandler) Remove(string) error                    { return ErrOpUnsupported }
func (UnimplementedHandler) Mkdir(string, *Attr) error              { return ErrOpUnsupported }
func (UnimplementedHandler) Rmdir(string) error                     { return ErrOpUnsupported }
func (UnimplementedHandler) Rename(string, string) error            { return ErrOpUnsupported }
func (UnimplementedHandler) Symlink(string, string) error           { return ErrOpUnsupported }
func (UnimplementedHandler) ReadLink(string) (string, error)        { return "", ErrOpUnsupported }
func (UnimplementedHandler) RealPath(string) (string, error)        { return "", ErrOpUnsupported }
func (UnimplementedHandler) Hardlink(string, string) error          { return ErrOpUnsupported }
func (UnimplementedHandler) StatVFS(string) (*StatVFS, error)       { return nil, ErrOpUnsupported }
func (UnimplementedHandler) Extended(string, []byte) ([]byte, error) {
	return nil, ErrOpUnsupported
}
