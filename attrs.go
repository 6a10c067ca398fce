package sftp

import (
	"fmt"
	"os"
	"time"

	"github.com/taruti/binp"
)

// Attr is the v3 attribute block: a flags word gating which of the
// typed fields are present on the wire.  A field is valid iff its flag
// is set; encoders emit exactly the flagged fields.
type Attr struct {
	Flags        uint32
	Size         uint64
	Uid, Gid     uint32
	Mode         os.FileMode
	ATime, MTime time.Time
	Extended     []ExtensionPair
}

const (
	ATTR_SIZE     = ssh_FILEXFER_ATTR_SIZE
	ATTR_UIDGID   = ssh_FILEXFER_ATTR_UIDGID
	ATTR_MODE     = ssh_FILEXFER_ATTR_PERMISSIONS
	ATTR_TIME     = ssh_FILEXFER_ATTR_ACMODTIME
	ATTR_EXTENDED = ssh_FILEXFER_ATTR_EXTENDED
)

// NamedAttr is one READDIR entry.  Longname is the ls -l style line; if
// a server handler leaves it empty the engine formats one.
type NamedAttr struct {
	Name     string
	Longname string
	Attr
}

// FileType is derived from the permission bits, it is not transmitted
// on its own.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeRegular
	FileTypeDir
	FileTypeSymlink
	FileTypeSpecial
)

const (
	s_IFMT  = 0170000
	s_IFREG = 0100000
	s_IFDIR = 0040000
	s_IFLNK = 0120000
	s_IFCHR = 0020000
	s_IFBLK = 0060000
	s_IFIFO = 0010000
	s_IFSOCK = 0140000
)

// SetSize populates the size field and its flag.
func (a *Attr) SetSize(size uint64) *Attr {
	a.Flags |= ATTR_SIZE
	a.Size = size
	return a
}

// SetUidGid populates the uid/gid fields and their flag.
func (a *Attr) SetUidGid(uid, gid uint32) *Attr {
	a.Flags |= ATTR_UIDGID
	a.Uid, a.Gid = uid, gid
	return a
}

// SetMode populates the permissions field and its flag.
func (a *Attr) SetMode(mode os.FileMode) *Attr {
	a.Flags |= ATTR_MODE
	a.Mode = mode
	return a
}

// SetTimes populates the access/modification times and their flag.
// Times are carried with second precision.
func (a *Attr) SetTimes(atime, mtime time.Time) *Attr {
	a.Flags |= ATTR_TIME
	a.ATime, a.MTime = atime, mtime
	return a
}

// AddExtended appends a named extension pair and sets its flag.
func (a *Attr) AddExtended(name, data string) *Attr {
	a.Flags |= ATTR_EXTENDED
	a.Extended = append(a.Extended, ExtensionPair{Name: name, Data: data})
	return a
}

// FileType derives the type from the permission bits.
func (a *Attr) FileType() FileType {
	if a.Flags&ATTR_MODE == 0 {
		return FileTypeUnknown
	}
	switch fileModeToSftp(a.Mode) & s_IFMT {
	case s_IFREG:
		return FileTypeRegular
	case s_IFDIR:
		return FileTypeDir
	case s_IFLNK:
		return FileTypeSymlink
	case s_IFCHR, s_IFBLK, s_IFIFO, s_IFSOCK:
		return FileTypeSpecial
	}
	return FileTypeUnknown
}

// FillFrom fills an Attr from an os.FileInfo.
func (a *Attr) FillFrom(fi os.FileInfo) {
	*a = Attr{}
	a.SetSize(uint64(fi.Size()))
	a.SetMode(fi.Mode())
	a.SetTimes(fi.ModTime(), fi.ModTime())
}

func parseAttr(p *binp.Parser, a *Attr) *binp.Parser {
	p = p.B32(&a.Flags)
	if a.Flags&^uint32(ssh_FILEXFER_ATTR_ALL) != 0 {
		return nil
	}
	if a.Flags&ATTR_SIZE != 0 {
		p = p.B64(&a.Size)
	}
	if a.Flags&ATTR_UIDGID != 0 {
		p = p.B32(&a.Uid).B32(&a.Gid)
	}
	if a.Flags&ATTR_MODE != 0 {
		var mode uint32
		p = p.B32(&mode)
		a.Mode = sftpToFileMode(mode)
	}
	if a.Flags&ATTR_TIME != 0 {
		p = inTimes(p, a)
	}
	if a.Flags&ATTR_EXTENDED != 0 {
		var count uint32
		p = p.B32(&count)
		if count > 0xFF {
			return nil
		}
		a.Extended = make([]ExtensionPair, 0, int(count))
		for i := 0; i < int(count); i++ {
			var ep ExtensionPair
			p = p.B32String(&ep.Name).B32String(&ep.Data)
			a.Extended = append(a.Extended, ep)
		}
	}
	return p
}

func outAttr(o *binp.Printer, a *Attr) *binp.Printer {
	o = o.B32(a.Flags)
	if a.Flags&ATTR_SIZE != 0 {
		o = o.B64(a.Size)
	}
	if a.Flags&ATTR_UIDGID != 0 {
		o = o.B32(a.Uid).B32(a.Gid)
	}
	if a.Flags&ATTR_MODE != 0 {
		o = o.B32(fileModeToSftp(a.Mode))
	}
	if a.Flags&ATTR_TIME != 0 {
		outTimes(o, a)
	}
	if a.Flags&ATTR_EXTENDED != 0 {
		o = o.B32(uint32(len(a.Extended)))
		for _, ep := range a.Extended {
			o = o.B32String(ep.Name).B32String(ep.Data)
		}
	}
	return o
}

func outTimes(o *binp.Printer, a *Attr) {
	o.B32(uint32(a.ATime.Unix())).B32(uint32(a.MTime.Unix()))
}

func inTimes(p *binp.Parser, a *Attr) *binp.Parser {
	var at, mt uint32
	p = p.B32(&at).B32(&mt)
	a.ATime = time.Unix(int64(at), 0)
	a.MTime = time.Unix(int64(mt), 0)
	return p
}

func fileModeToSftp(m os.FileMode) uint32 {
	raw := uint32(m.Perm())
	switch {
	case m&os.ModeSymlink != 0:
		raw |= s_IFLNK
	case m.IsDir():
		raw |= s_IFDIR
	case m&os.ModeCharDevice != 0:
		raw |= s_IFCHR
	case m&os.ModeDevice != 0:
		raw |= s_IFBLK
	case m&os.ModeNamedPipe != 0:
		raw |= s_IFIFO
	case m&os.ModeSocket != 0:
		raw |= s_IFSOCK
	case m.IsRegular():
		raw |= s_IFREG
	}
	if m&os.ModeSetuid != 0 {
		raw |= 04000
	}
	if m&os.ModeSetgid != 0 {
		raw |= 02000
	}
	if m&os.ModeSticky != 0 {
		raw |= 01000
	}
	return raw
}

func sftpToFileMode(raw uint32) os.FileMode {
	m := os.FileMode(raw & 0777)
	switch raw & s_IFMT {
	case s_IFDIR:
		m |= os.ModeDir
	case s_IFLNK:
		m |= os.ModeSymlink
	case s_IFCHR:
		m |= os.ModeDevice | os.ModeCharDevice
	case s_IFBLK:
		m |= os.ModeDevice
	case s_IFIFO:
		m |= os.ModeNamedPipe
	case s_IFSOCK:
		m |= os.ModeSocket
	case s_IFREG:
		// regular
	}
	if raw&04000 != 0 {
		m |= os.ModeSetuid
	}
	if raw&02000 != 0 {
		m |= os.ModeSetgid
	}
	if raw&01000 != 0 {
		m |= os.ModeSticky
	}
	return m
}

func modeString(raw uint32) string {
	b := []byte("----------")
	switch raw & s_IFMT {
	case s_IFDIR:
		b[0] = 'd'
	case s_IFLNK:
		b[0] = 'l'
	case s_IFCHR:
		b[0] = 'c'
	case s_IFBLK:
		b[0] = 'b'
	case s_IFIFO:
		b[0] = 'p'
	case s_IFSOCK:
		b[0] = 's'
	}
	const rwx = "rwxrwxrwx"
	for i := 0; i < 9; i++ {
		if raw&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		}
	}
	return string(b)
}

// readdirLongName formats an ls -l style line for a NAME entry.
func readdirLongName(na *NamedAttr) string {
	if na.Longname != "" {
		return na.Longname
	}
	var mode uint32
	if na.Flags&ATTR_MODE != 0 {
		mode = fileModeToSftp(na.Mode)
	}
	mtime := na.MTime
	if na.Flags&ATTR_TIME == 0 {
		mtime = time.Unix(0, 0)
	}
	return fmt.Sprintf("%s %4d %-8d %-8d %10d %s %s",
		modeString(mode), 1, na.Uid, na.Gid, na.Size,
		mtime.UTC().Format("Jan _2 15:04"), na.Name)
}
