package sftp

import (
	"os"
	"path"
	"time"
)

// fileInfo wraps an Attr with the os.FileInfo interface.
type fileInfo struct {
	name string
	attr Attr
}

func (fi *fileInfo) Name() string       { return path.Base(fi.name) }
func (fi *fileInfo) Size() int64        { return int64(fi.attr.Size) }
func (fi *fileInfo) Mode() os.FileMode  { return fi.attr.Mode }
func (fi *fileInfo) ModTime() time.Time { return fi.attr.MTime }
func (fi *fileInfo) IsDir() bool        { return fi.attr.FileType() == FileTypeDir }
func (fi *fileInfo) Sys() interface{}   { return &fi.attr }

// FileInfo adapts the entry to os.FileInfo.
func (na *NamedAttr) FileInfo() os.FileInfo {
	return &fileInfo{name: na.Name, attr: na.Attr}
}

// Walker traverses a remote directory tree depth-first.
type Walker struct {
	c       *Client
	cur     item
	stack   []item
	descend bool
}

type item struct {
	path string
	info os.FileInfo
	err  error
}

// Walk returns a new Walker rooted at root.
func (c *Client) Walk(root string) *Walker {
	attr, err := c.Lstat(root)
	var info os.FileInfo
	if attr != nil {
		info = &fileInfo{name: root, attr: *attr}
	}
	return &Walker{c: c, stack: []item{{root, info, err}}}
}

// Path returns the path to the most recent file or directory visited by
// a call to Step.  It contains the argument to Walk as a prefix.
func (w *Walker) Path() string {
	return w.cur.path
}

// Stat returns info for the most recent file or directory visited by a
// call to Step.
func (w *Walker) Stat() os.FileInfo {
	return w.cur.info
}

// Err returns the error, if any, for the most recent attempt by Step to
// visit a file or directory.  If a directory has an error, w will not
// descend into it.
func (w *Walker) Err() error {
	return w.cur.err
}

// SkipDir causes the currently visited directory to be skipped.  If w
// is not on a directory, SkipDir has no effect.
func (w *Walker) SkipDir() {
	w.descend = false
}

// Step advances the Walker to the next file or directory, which will
// then be available through Path, Stat and Err.  It returns false when
// the walk stops at the end of the tree.
func (w *Walker) Step() bool {
	if w.descend && w.cur.err == nil && w.cur.info != nil && w.cur.info.IsDir() {
		entries, err := w.c.ReadDir(w.cur.path)
		if err != nil {
			w.cur.err = err
			w.stack = append(w.stack, w.cur)
		} else {
			for i := len(entries) - 1; i >= 0; i-- {
				na := entries[i]
				if na.Name == "." || na.Name == ".." {
					continue
				}
				p := path.Join(w.cur.path, na.Name)
				w.stack = append(w.stack, item{p, na.FileInfo(), nil})
			}
		}
	}

	if len(w.stack) == 0 {
		return false
	}
	i := len(w.stack) - 1
	w.cur = w.stack[i]
	w.stack = w.stack[:i]
	w.descend = true
	return true
}
