package sftp

import (
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// memHandler is an in-memory Handler used by the engine tests.  It
// implements just enough filesystem semantics to exercise every
// request kind.
type memHandler struct {
	mu      sync.Mutex
	files   map[string]*memEntry
	links   map[string]string
	closes  int
	statvfs StatVFS
}

type memEntry struct {
	data []byte
	mode uint32
	dir  bool
}

func newMemHandler() *memHandler {
	return &memHandler{
		files: map[string]*memEntry{
			"/": {dir: true, mode: 0755},
		},
		links: map[string]string{},
		statvfs: StatVFS{
			Bsize: 4096, Frsize: 4096, Blocks: 1000, Bfree: 500, Bavail: 400,
			Files: 100, Ffree: 50, Favail: 40, Namemax: 255,
		},
	}
}

func (m *memHandler) closedHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *memHandler) attrFor(e *memEntry) *Attr {
	var a Attr
	a.SetSize(uint64(len(e.data)))
	mode := sftpToFileMode(e.mode)
	if e.dir {
		mode = sftpToFileMode(e.mode | s_IFDIR)
	}
	a.SetMode(mode)
	a.SetTimes(time.Unix(0, 0), time.Unix(0, 0))
	return &a
}

func (m *memHandler) Open(p string, flags uint32, attr *Attr) (FileHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[p]
	switch {
	case !ok && flags&FlagCreate == 0:
		return nil, statusErr(ssh_FX_NO_SUCH_FILE, p)
	case ok && flags&FlagExclude != 0:
		return nil, statusErr(ssh_FX_FAILURE, "exists")
	case !ok:
		mode := uint32(0644)
		if attr != nil && attr.Flags&ATTR_MODE != 0 {
			mode = fileModeToSftp(attr.Mode) &^ s_IFMT
		}
		e = &memEntry{mode: mode}
		m.files[p] = e
	}
	if flags&FlagTruncate != 0 {
		e.data = nil
	}
	return &memFileHandle{m: m, e: e}, nil
}

func (m *memHandler) OpenDir(p string) (DirHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.files[p]
	if !ok || !d.dir {
		return nil, statusErr(ssh_FX_NO_SUCH_FILE, p)
	}
	entries := []NamedAttr{
		{Name: ".", Attr: *m.attrFor(d)},
		{Name: "..", Attr: *m.attrFor(d)},
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	var names []string
	for name := range m.files {
		if name != p && strings.HasPrefix(name, prefix) && !strings.Contains(name[len(prefix):], "/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		entries = append(entries, NamedAttr{Name: path.Base(name), Attr: *m.attrFor(m.files[name])})
	}
	return &memDirHandle{m: m, entries: entries}, nil
}

func (m *memHandler) Stat(p string, followLinks bool) (*Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target, ok := m.links[p]; ok {
		if !followLinks {
			var a Attr
			a.SetMode(sftpToFileMode(s_IFLNK | 0777))
			return &a, nil
		}
		p = target
	}
	e, ok := m.files[p]
	if !ok {
		return nil, statusErr(ssh_FX_NO_SUCH_FILE, p)
	}
	return m.attrFor(e), nil
}

func (m *memHandler) SetStat(p string, attr *Attr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[p]
	if !ok {
		return statusErr(ssh_FX_NO_SUCH_FILE, p)
	}
	if attr.Flags&ATTR_SIZE != 0 {
		if attr.Size < uint64(len(e.data)) {
			e.data = e.data[:attr.Size]
		}
	}
	if attr.Flags&ATTR_MODE != 0 {
		e.mode = fileModeToSftp(attr.Mode) &^ s_IFMT
	}
	return nil
}

func (m *memHandler) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[p]
	if !ok {
		return statusErr(ssh_FX_NO_SUCH_FILE, p)
	}
	if e.dir {
		return statusErr(ssh_FX_FAILURE, "is a directory")
	}
	delete(m.files, p)
	return nil
}

func (m *memHandler) Mkdir(p string, attr *Attr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; ok {
		return statusErr(ssh_FX_FAILURE, "exists")
	}
	m.files[p] = &memEntry{dir: true, mode: 0755}
	return nil
}

func (m *memHandler) Rmdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[p]
	if !ok || !e.dir {
		return statusErr(ssh_FX_NO_SUCH_FILE, p)
	}
	delete(m.files, p)
	return nil
}

func (m *memHandler) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[oldpath]
	if !ok {
		return statusErr(ssh_FX_NO_SUCH_FILE, oldpath)
	}
	delete(m.files, oldpath)
	m.files[newpath] = e
	return nil
}

func (m *memHandler) Symlink(linkpath, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[linkpath] = target
	return nil
}

func (m *memHandler) ReadLink(p string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.links[p]
	if !ok {
		return "", statusErr(ssh_FX_NO_SUCH_FILE, p)
	}
	return target, nil
}

func (m *memHandler) RealPath(p string) (string, error) {
	if p == "" || p == "." {
		return "/", nil
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/")), nil
}

func (m *memHandler) Hardlink(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[oldpath]
	if !ok {
		return statusErr(ssh_FX_NO_SUCH_FILE, oldpath)
	}
	m.files[newpath] = e
	return nil
}

func (m *memHandler) StatVFS(p string) (*StatVFS, error) {
	st := m.statvfs
	return &st, nil
}

func (m *memHandler) Extended(name string, payload []byte) ([]byte, error) {
	if name == "echo@test" {
		return payload, nil
	}
	return nil, ErrOpUnsupported
}

type memFileHandle struct {
	m *memHandler
	e *memEntry
}

func (f *memFileHandle) ReadAt(b []byte, off int64) (int, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if off >= int64(len(f.e.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.e.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFileHandle) WriteAt(b []byte, off int64) (int, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	need := int(off) + len(b)
	if need > len(f.e.data) {
		grown := make([]byte, need)
		copy(grown, f.e.data)
		f.e.data = grown
	}
	copy(f.e.data[off:], b)
	return len(b), nil
}

func (f *memFileHandle) Stat() (*Attr, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.m.attrFor(f.e), nil
}

func (f *memFileHandle) SetStat(attr *Attr) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if attr.Flags&ATTR_SIZE != 0 && attr.Size < uint64(len(f.e.data)) {
		f.e.data = f.e.data[:attr.Size]
	}
	return nil
}

func (f *memFileHandle) Sync() error { return nil }

func (f *memFileHandle) Close() error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	f.m.closes++
	return nil
}

type memDirHandle struct {
	m       *memHandler
	entries []NamedAttr
	pos     int
}

func (d *memDirHandle) ReadEntries(max int) ([]NamedAttr, error) {
	if d.pos >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.pos + max
	if end > len(d.entries) {
		end = len(d.entries)
	}
	batch := d.entries[d.pos:end]
	d.pos = end
	return batch, nil
}

func (d *memDirHandle) Close() error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	d.m.closes++
	return nil
}
