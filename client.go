package sftp

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"github.com/taruti/binp"
	"golang.org/x/crypto/ssh"
)

// A ClientOption configures a Client.
type ClientOption func(*Client) error

// WithMaxPacket sets the largest READ/WRITE data payload in bytes.  The
// default is 32768, which all compliant servers must support.
func WithMaxPacket(size int) ClientOption {
	return func(c *Client) error {
		if size < 8192 {
			return errors.New("max packet must be at least 8192")
		}
		c.maxData = uint32(size)
		return nil
	}
}

// WithTimeout bounds each request.  On expiry the awaiter is cancelled
// and the call returns ErrTimeout; the eventual reply is dropped.  Zero
// (the default) means no deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithClientLogger directs the session's debug logging.
func WithClientLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) error {
		c.log = log
		return nil
	}
}

// reply is one decoded response routed to an awaiter.
type reply struct {
	op   ssh_fxp
	body []byte
}

// inflight is the one-shot slot an awaiter blocks on.  A dropped slot
// stays in the pending map so its ID is not reused until the reply
// arrives and is discarded.
type inflight struct {
	ch      chan reply
	dropped atomic.Bool
}

// Client multiplexes SFTP requests over a bound duplex stream.  It is
// safe for concurrent use; a single reader goroutine routes replies to
// awaiters through the pending map.
type Client struct {
	conn *conn
	wc   io.Closer

	log     logrus.FieldLogger
	ext     map[string]string
	pending *xsync.MapOf[uint32, *inflight]
	nextid  atomic.Uint32

	maxData uint32
	timeout time.Duration

	closed    chan struct{}
	closeOnce sync.Once
	errmu     sync.Mutex
	errv      error
}

// NewClient starts an SFTP session on the sftp subsystem of an SSH
// connection.
func NewClient(conn *ssh.Client, opts ...ClientOption) (*Client, error) {
	s, err := conn.NewSession()
	if err != nil {
		return nil, err
	}
	if err := s.RequestSubsystem("sftp"); err != nil {
		return nil, err
	}
	pw, err := s.StdinPipe()
	if err != nil {
		return nil, err
	}
	pr, err := s.StdoutPipe()
	if err != nil {
		return nil, err
	}
	return NewClientPipe(pr, pw, opts...)
}

// NewClientPipe starts an SFTP session on any duplex byte stream, e.g.
// the pipes of an ssh subprocess.  It sends INIT, awaits VERSION and
// then starts the reply router.
func NewClientPipe(rd io.Reader, wr io.WriteCloser, opts ...ClientOption) (*Client, error) {
	c := &Client{
		wc:      wr,
		log:     discardLogger(),
		pending: xsync.NewMapOf[uint32, *inflight](),
		maxData: defaultMaxData,
		closed:  make(chan struct{}),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	c.conn = newConn(rd, wr, defaultMaxFrame)

	if err := c.handshake(); err != nil {
		_ = wr.Close()
		return nil, err
	}
	go c.recvLoop()
	return c, nil
}

// handshake sends INIT version 3 and validates the VERSION reply.  Any
// other packet, or any version but 3, is a protocol violation.
func (c *Client) handshake() error {
	if err := c.conn.writeFrame(&initPacket{Version: protocolVersion}); err != nil {
		return err
	}
	op, body, err := c.conn.readFrame()
	if err != nil {
		return err
	}
	if op != ssh_FXP_VERSION {
		return errors.Wrapf(ErrUnexpectedBehavior, "expected SSH_FXP_VERSION, got %v", op)
	}
	var ver versionPacket
	if err := ver.decode(body); err != nil {
		return err
	}
	if ver.Version != protocolVersion {
		return errors.Wrapf(ErrUnexpectedBehavior, "server speaks version %d, want %d", ver.Version, protocolVersion)
	}
	c.ext = make(map[string]string, len(ver.Extensions))
	for _, ep := range ver.Extensions {
		c.ext[ep.Name] = ep.Data
	}
	c.log.Debugf("sftp: session established, %d extensions", len(c.ext))
	return nil
}

// HasExtension reports whether the server advertised the named
// extension, and its data (typically a version number).
func (c *Client) HasExtension(name string) (string, bool) {
	data, ok := c.ext[name]
	return data, ok
}

// Close shuts the session down: pending awaiters fail with
// ConnectionLost and the write half is dropped.
func (c *Client) Close() error {
	c.shutdown(errors.WithStack(ErrConnectionLost))
	if c.wc != nil {
		return c.wc.Close()
	}
	return nil
}

// recvLoop owns the read half: it decodes replies in wire order and
// routes each to its awaiter.  Wire-level failures end the session.
func (c *Client) recvLoop() {
	var err error
	for {
		var op ssh_fxp
		var body []byte
		op, body, err = c.conn.readFrame()
		if err != nil {
			break
		}
		if err = c.deliver(op, body); err != nil {
			break
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		err = errors.WithStack(ErrConnectionLost)
	}
	c.shutdown(err)
}

func (c *Client) deliver(op ssh_fxp, body []byte) error {
	switch op {
	case ssh_FXP_STATUS, ssh_FXP_HANDLE, ssh_FXP_DATA, ssh_FXP_NAME, ssh_FXP_ATTRS, ssh_FXP_EXTENDED_REPLY:
	default:
		return errors.Wrapf(ErrBadMessage, "unexpected packet type %v from server", op)
	}
	id, _, err := unmarshalUint32(body)
	if err != nil {
		return err
	}
	in, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return errors.Wrapf(ErrUnexpectedBehavior, "reply for unknown request id %d", id)
	}
	if in.dropped.Load() {
		c.log.Debugf("sftp: discarding reply for cancelled request id %d", id)
		return nil
	}
	in.ch <- reply{op: op, body: body}
	return nil
}

// shutdown records the session error and wakes every awaiter, once.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errmu.Lock()
		c.errv = err
		c.errmu.Unlock()
		close(c.closed)
		c.pending.Range(func(id uint32, _ *inflight) bool {
			c.pending.Delete(id)
			return true
		})
	})
}

func (c *Client) brokenErr() error {
	c.errmu.Lock()
	defer c.errmu.Unlock()
	if c.errv == nil {
		return errors.WithStack(ErrConnectionLost)
	}
	return c.errv
}

// claim allocates a request ID.  IDs grow monotonically with
// wrap-around; an ID still present in the pending map is skipped so a
// slow reply can never be routed to a newer request.
func (c *Client) claim(in *inflight) uint32 {
	for {
		id := c.nextid.Add(1)
		if _, loaded := c.pending.LoadOrStore(id, in); !loaded {
			return id
		}
	}
}

// call sends one request and blocks for its reply.  The reply type must
// be want or STATUS; anything else is a protocol violation.
func (c *Client) call(pkt idPacket, want ssh_fxp) (ssh_fxp, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, c.brokenErr()
	default:
	}

	in := &inflight{ch: make(chan reply, 1)}
	id := c.claim(in)
	pkt.setID(id)
	c.log.Debugf("sftp: -> %v id=%d", pkt.op(), id)

	if err := c.conn.writeFrame(pkt); err != nil {
		c.pending.Delete(id)
		return 0, nil, err
	}

	var expiry <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		expiry = t.C
	}

	select {
	case r := <-in.ch:
		if r.op != want && r.op != ssh_FXP_STATUS {
			return 0, nil, errors.Wrapf(ErrUnexpectedBehavior, "expected %v reply, got %v", want, r.op)
		}
		return r.op, r.body, nil
	case <-expiry:
		in.dropped.Store(true)
		return 0, nil, errors.WithStack(ErrTimeout)
	case <-c.closed:
		return 0, nil, c.brokenErr()
	}
}

// expectStatus runs a request whose only success reply is STATUS OK.
func (c *Client) expectStatus(pkt idPacket) error {
	_, body, err := c.call(pkt, ssh_FXP_STATUS)
	if err != nil {
		return err
	}
	var st statusPacket
	if err := st.decode(body); err != nil {
		return err
	}
	return errFromStatus(st.Code, st.Msg, st.Lang)
}

// expect runs a request and returns the body of the positive reply.
// A STATUS reply is converted into the error taxonomy; STATUS OK where
// a typed reply was required is itself a violation.
func (c *Client) expect(pkt idPacket, want ssh_fxp) ([]byte, error) {
	op, body, err := c.call(pkt, want)
	if err != nil {
		return nil, err
	}
	if op == ssh_FXP_STATUS {
		var st statusPacket
		if err := st.decode(body); err != nil {
			return nil, err
		}
		if err := errFromStatus(st.Code, st.Msg, st.Lang); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrUnexpectedBehavior, "status OK where %v reply was required", want)
	}
	return body, nil
}

// Open opens the named file with the given pflags bitmask (FlagRead,
// FlagWrite, ...).  attr may be nil.
func (c *Client) Open(path string, flags uint32, attr *Attr) (*File, error) {
	if attr == nil {
		attr = &Attr{}
	}
	pkt := &openPacket{Path: path, Pflags: flags, Attr: *attr}
	body, err := c.expect(pkt, ssh_FXP_HANDLE)
	if err != nil {
		return nil, err
	}
	var h handlePacket
	if err := h.decode(body); err != nil {
		return nil, err
	}
	return newFile(c, path, h.Handle), nil
}

// OpenDir starts listing the named directory.
func (c *Client) OpenDir(path string) (*Dir, error) {
	body, err := c.expect(&opendirPacket{Path: path}, ssh_FXP_HANDLE)
	if err != nil {
		return nil, err
	}
	var h handlePacket
	if err := h.decode(body); err != nil {
		return nil, err
	}
	return newDir(c, path, h.Handle), nil
}

// ReadDir lists the named directory to completion.
func (c *Client) ReadDir(path string) ([]NamedAttr, error) {
	d, err := c.OpenDir(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = d.Close() }()

	var entries []NamedAttr
	for {
		batch, err := d.ReadEntries()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, batch...)
	}
}

// Remove deletes the named file.
func (c *Client) Remove(path string) error {
	return c.expectStatus(&removePacket{Path: path})
}

// Mkdir creates the named directory.  attr may be nil.
func (c *Client) Mkdir(path string, attr *Attr) error {
	if attr == nil {
		attr = &Attr{}
	}
	return c.expectStatus(&mkdirPacket{Path: path, Attr: *attr})
}

// Rmdir deletes the named directory.
func (c *Client) Rmdir(path string) error {
	return c.expectStatus(&rmdirPacket{Path: path})
}

// Rename moves oldpath to newpath.
func (c *Client) Rename(oldpath, newpath string) error {
	return c.expectStatus(&renamePacket{Oldpath: oldpath, Newpath: newpath})
}

// Symlink creates linkpath pointing at target.
func (c *Client) Symlink(linkpath, target string) error {
	return c.expectStatus(&symlinkPacket{Linkpath: linkpath, Target: target})
}

// ReadLink returns the target of the named symlink.
func (c *Client) ReadLink(path string) (string, error) {
	return c.expectName(&readlinkPacket{Path: path})
}

// RealPath canonicalizes the given path on the server.
func (c *Client) RealPath(path string) (string, error) {
	return c.expectName(&realpathPacket{Path: path})
}

func (c *Client) expectName(pkt idPacket) (string, error) {
	body, err := c.expect(pkt, ssh_FXP_NAME)
	if err != nil {
		return "", err
	}
	var n namePacket
	if err := n.decode(body); err != nil {
		return "", err
	}
	if len(n.Entries) == 0 {
		return "", errors.Wrap(ErrUnexpectedBehavior, "empty NAME reply")
	}
	return n.Entries[0].Name, nil
}

// Stat returns attributes for the named file, following symlinks.
func (c *Client) Stat(path string) (*Attr, error) {
	return c.expectAttrs(&statPacket{Path: path})
}

// Lstat returns attributes without following symlinks.
func (c *Client) Lstat(path string) (*Attr, error) {
	return c.expectAttrs(&lstatPacket{Path: path})
}

func (c *Client) expectAttrs(pkt idPacket) (*Attr, error) {
	body, err := c.expect(pkt, ssh_FXP_ATTRS)
	if err != nil {
		return nil, err
	}
	var a attrsPacket
	if err := a.decode(body); err != nil {
		return nil, err
	}
	return &a.Attr, nil
}

// SetStat applies the populated fields of attr to the named path.
func (c *Client) SetStat(path string, attr *Attr) error {
	return c.expectStatus(&setstatPacket{Path: path, Attr: *attr})
}

// Chmod changes permissions of the named file.
func (c *Client) Chmod(path string, mode uint32) error {
	var a Attr
	a.SetMode(sftpToFileMode(mode))
	return c.SetStat(path, &a)
}

// Chtimes changes access and modification times of the named file.
func (c *Client) Chtimes(path string, atime, mtime time.Time) error {
	var a Attr
	a.SetTimes(atime, mtime)
	return c.SetStat(path, &a)
}

// Truncate changes the size of the named file.
func (c *Client) Truncate(path string, size uint64) error {
	var a Attr
	a.SetSize(size)
	return c.SetStat(path, &a)
}

// Limits queries limits@openssh.com.  It fails with OP_UNSUPPORTED if
// the server did not advertise the extension.
func (c *Client) Limits() (*Limits, error) {
	if _, ok := c.ext[extLimits]; !ok {
		return nil, errors.WithStack(ErrOpUnsupported)
	}
	body, err := c.expect(&extendedPacket{Name: extLimits}, ssh_FXP_EXTENDED_REPLY)
	if err != nil {
		return nil, err
	}
	var rep extendedReplyPacket
	if err := rep.decode(body); err != nil {
		return nil, err
	}
	var l Limits
	if err := l.decode(rep.Payload); err != nil {
		return nil, err
	}
	return &l, nil
}

// StatVFS queries statvfs@openssh.com for the named path.
func (c *Client) StatVFS(path string) (*StatVFS, error) {
	if _, ok := c.ext[extStatVFS]; !ok {
		return nil, errors.WithStack(ErrOpUnsupported)
	}
	pkt := &extendedPacket{Name: extStatVFS, Payload: binp.Out().B32String(path).Out()}
	body, err := c.expect(pkt, ssh_FXP_EXTENDED_REPLY)
	if err != nil {
		return nil, err
	}
	var rep extendedReplyPacket
	if err := rep.decode(body); err != nil {
		return nil, err
	}
	var st StatVFS
	if err := st.decode(rep.Payload); err != nil {
		return nil, err
	}
	return &st, nil
}

// PosixRename issues posix-rename@openssh.com, which atomically
// replaces newpath if it exists.
func (c *Client) PosixRename(oldpath, newpath string) error {
	if _, ok := c.ext[extPosixRename]; !ok {
		return errors.WithStack(ErrOpUnsupported)
	}
	pkt := &extendedPacket{
		Name:    extPosixRename,
		Payload: binp.Out().B32String(oldpath).B32String(newpath).Out(),
	}
	return c.expectStatus(pkt)
}

// Hardlink issues hardlink@openssh.com.
func (c *Client) Hardlink(oldpath, newpath string) error {
	if _, ok := c.ext[extHardlink]; !ok {
		return errors.WithStack(ErrOpUnsupported)
	}
	pkt := &extendedPacket{
		Name:    extHardlink,
		Payload: binp.Out().B32String(oldpath).B32String(newpath).Out(),
	}
	return c.expectStatus(pkt)
}
