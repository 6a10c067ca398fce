package sftp

import (
	"github.com/taruti/binp"
)

// Limits is the limits@openssh.com reply: the caps a server applies to
// frames, data payloads and open handles.  A zero field means unlimited.
type Limits struct {
	MaxPacketLen   uint64
	MaxReadLen     uint64
	MaxWriteLen    uint64
	MaxOpenHandles uint64
}

func (l *Limits) encode(o *binp.Printer) *binp.Printer {
	return o.B64(l.MaxPacketLen).B64(l.MaxReadLen).B64(l.MaxWriteLen).B64(l.MaxOpenHandles)
}

func (l *Limits) decode(body []byte) error {
	return decodeEnd(binp.NewParser(body).
		B64(&l.MaxPacketLen).B64(&l.MaxReadLen).B64(&l.MaxWriteLen).B64(&l.MaxOpenHandles))
}

// StatVFS is the statvfs@openssh.com reply, mirroring struct statvfs.
type StatVFS struct {
	Bsize   uint64 // file system block size
	Frsize  uint64 // fundamental block size
	Blocks  uint64 // blocks in units of Frsize
	Bfree   uint64 // free blocks
	Bavail  uint64 // free blocks for non-root
	Files   uint64 // total inodes
	Ffree   uint64 // free inodes
	Favail  uint64 // free inodes for non-root
	Fsid    uint64 // file system id
	Flag    uint64 // mount flag mask
	Namemax uint64 // maximum filename length
}

// TotalSpace is the filesystem capacity in bytes.
func (s *StatVFS) TotalSpace() uint64 { return s.Frsize * s.Blocks }

// FreeSpace is the unused capacity in bytes.
func (s *StatVFS) FreeSpace() uint64 { return s.Frsize * s.Bfree }

func (s *StatVFS) encode(o *binp.Printer) *binp.Printer {
	return o.B64(s.Bsize).B64(s.Frsize).B64(s.Blocks).B64(s.Bfree).B64(s.Bavail).
		B64(s.Files).B64(s.Ffree).B64(s.Favail).B64(s.Fsid).B64(s.Flag).B64(s.Namemax)
}

func (s *StatVFS) decode(body []byte) error {
	return decodeEnd(binp.NewParser(body).
		B64(&s.Bsize).B64(&s.Frsize).B64(&s.Blocks).B64(&s.Bfree).B64(&s.Bavail).
		B64(&s.Files).B64(&s.Ffree).B64(&s.Favail).B64(&s.Fsid).B64(&s.Flag).B64(&s.Namemax))
}

// pathPairArgs is the request body shared by hardlink@openssh.com and
// posix-rename@openssh.com: two paths.
type pathPairArgs struct {
	Oldpath string
	Newpath string
}

func (h *pathPairArgs) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32String(&h.Oldpath).B32String(&h.Newpath)); err != nil {
		return err
	}
	if err := validPath(h.Oldpath); err != nil {
		return err
	}
	return validPath(h.Newpath)
}

// fsync@openssh.com request body.
type fsyncArgs struct {
	Handle string
}

func (f *fsyncArgs) decode(body []byte) error {
	return decodeEnd(binp.NewParser(body).B32String(&f.Handle))
}

// statvfs@openssh.com request body.
type statvfsArgs struct {
	Path string
}

func (s *statvfsArgs) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32String(&s.Path)); err != nil {
		return err
	}
	return validPath(s.Path)
}
