package sftp

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var errInvalidHandle = statusErr(ssh_FX_FAILURE, "invalid handle")
var errTooManyFiles = statusErr(ssh_FX_FAILURE, "too many open handles")

// handles is the per-session handle table.  Handle strings are opaque
// to the client; they are random so a stale handle from an earlier
// session can never alias a live one.  Handlers run on concurrent
// goroutines, so access is locked.
type handles struct {
	mu sync.Mutex
	f  map[string]FileHandle
	d  map[string]DirHandle

	max int
}

func (h *handles) init(max int) {
	h.f = map[string]FileHandle{}
	h.d = map[string]DirHandle{}
	h.max = max
}

func (h *handles) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.f) + len(h.d)
}

func (h *handles) newFile(f FileHandle) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.max > 0 && len(h.f)+len(h.d) >= h.max {
		return "", errTooManyFiles
	}
	k := "f" + uuid.NewString()
	h.f[k] = f
	return k, nil
}

func (h *handles) newDir(d DirHandle) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.max > 0 && len(h.f)+len(h.d) >= h.max {
		return "", errTooManyFiles
	}
	k := "d" + uuid.NewString()
	h.d[k] = d
	return k, nil
}

func (h *handles) getFile(k string) (FileHandle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.f[k]
	return f, ok
}

func (h *handles) getDir(k string) (DirHandle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.d[k]
	return d, ok
}

// closeHandle removes k and closes the underlying resource.
func (h *handles) closeHandle(k string) error {
	h.mu.Lock()
	f, fok := h.f[k]
	d, dok := h.d[k]
	delete(h.f, k)
	delete(h.d, k)
	h.mu.Unlock()

	switch {
	case fok:
		return f.Close()
	case dok:
		return d.Close()
	}
	return errors.WithStack(errInvalidHandle)
}

// drain closes every live handle.  Called on session termination.
func (h *handles) drain() {
	h.mu.Lock()
	files, dirs := h.f, h.d
	h.f = map[string]FileHandle{}
	h.d = map[string]DirHandle{}
	h.mu.Unlock()

	for _, f := range files {
		_ = f.Close()
	}
	for _, d := range dirs {
		_ = d.Close()
	}
}
