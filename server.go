package sftp

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taruti/binp"
	"github.com/taruti/bytepool"
	"golang.org/x/sync/errgroup"
)

// A ServerOption configures a Server.
type ServerOption func(*Server) error

// WithServerLogger directs the session's debug logging.
func WithServerLogger(log logrus.FieldLogger) ServerOption {
	return func(s *Server) error {
		s.log = log
		return nil
	}
}

// WithAdvertisedExtensions sets the extension pairs carried by the
// VERSION reply, in addition to the built-in openssh.com extensions.
func WithAdvertisedExtensions(exts ...ExtensionPair) ServerOption {
	return func(s *Server) error {
		s.exts = append(s.exts, exts...)
		return nil
	}
}

// WithHandlerConcurrency bounds the number of handler invocations in
// flight.  Zero or negative means unbounded.
func WithHandlerConcurrency(n int) ServerOption {
	return func(s *Server) error {
		s.concurrency = n
		return nil
	}
}

// WithMaxOpenHandles bounds the handle table.  Zero means unbounded.
func WithMaxOpenHandles(n int) ServerOption {
	return func(s *Server) error {
		s.maxHandles = n
		return nil
	}
}

// WithServerMaxPacket sets the largest accepted frame in bytes.
func WithServerMaxPacket(n uint32) ServerOption {
	return func(s *Server) error {
		if n < 8192 {
			return errors.New("max packet must be at least 8192")
		}
		s.maxFrame = n
		return nil
	}
}

// Server runs one SFTP session over a duplex byte stream, dispatching
// decoded requests to a Handler.  It owns version negotiation, the
// handle table and reply encoding; it is filesystem-agnostic.
type Server struct {
	conn *conn
	h    Handler
	hs   handles

	log  logrus.FieldLogger
	exts []ExtensionPair

	maxFrame    uint32
	maxData     uint32
	maxHandles  int
	concurrency int
}

const maxFiles = 0x100

// NewServer wraps a bound duplex stream.  Serve must be called to begin
// the session.
func NewServer(rw io.ReadWriter, h Handler, opts ...ServerOption) (*Server, error) {
	s := &Server{
		h:          h,
		maxFrame:   defaultMaxFrame,
		maxData:    defaultMaxData,
		maxHandles: maxFiles,
		log:        discardLogger(),
		exts: []ExtensionPair{
			{Name: extLimits, Data: "1"},
			{Name: extHardlink, Data: "1"},
			{Name: extFsync, Data: "1"},
			{Name: extStatVFS, Data: "2"},
			{Name: extPosixRename, Data: "1"},
		},
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	s.conn = newConn(rw, rw, s.maxFrame)
	s.hs.init(s.maxHandles)
	return s, nil
}

// Serve performs the version handshake and then decodes requests until
// the stream ends.  Handler execution is spawned; decode order is wire
// order.  A clean peer disconnect returns nil, unless a request
// goroutine failed, in which case that goroutine's error is returned.
func (s *Server) Serve() error {
	defer s.hs.drain()

	if err := s.handshake(); err != nil {
		return err
	}

	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}

	var err error
	for {
		var op ssh_fxp
		var body []byte
		op, body, err = s.conn.readFrame()
		if err != nil {
			break
		}
		s.log.Debugf("sftp: <- %v len=%d", op, len(body))

		pkt, derr := s.decodeRequest(op, body)
		if derr != nil {
			err = derr
			break
		}
		if pkt == nil {
			// Unknown request kind: reply OP_UNSUPPORTED with a
			// best-effort ID and keep the session alive.
			id, _, _ := unmarshalUint32(body)
			if werr := s.writeStatus(id, ssh_FX_OP_UNSUPPORTED, ""); werr != nil {
				err = werr
				break
			}
			continue
		}

		req := pkt
		g.Go(func() error {
			return s.respond(req)
		})
	}

	clean := errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
	if gerr := g.Wait(); gerr != nil && clean {
		return gerr
	}
	if clean {
		return nil
	}
	return err
}

// handshake enforces INIT-first and replies VERSION 3.  Any other first
// packet terminates the session with BadMessage.
func (s *Server) handshake() error {
	op, body, err := s.conn.readFrame()
	if err != nil {
		return err
	}
	if op != ssh_FXP_INIT {
		return errors.Wrapf(ErrBadMessage, "expected SSH_FXP_INIT, got %v", op)
	}
	var init initPacket
	if err := init.decode(body); err != nil {
		return err
	}
	s.log.Debugf("sftp: init version=%d", init.Version)
	return s.conn.writeFrame(&versionPacket{Version: protocolVersion, Extensions: s.exts})
}

// decodeRequest binds a type code to its typed packet and decodes it.
// A nil, nil return means the code is unknown to the protocol.
func (s *Server) decodeRequest(op ssh_fxp, body []byte) (idPacket, error) {
	var pkt idPacket
	switch op {
	case ssh_FXP_OPEN:
		pkt = &openPacket{}
	case ssh_FXP_CLOSE:
		pkt = &closePacket{}
	case ssh_FXP_READ:
		pkt = &readPacket{}
	case ssh_FXP_WRITE:
		pkt = &writePacket{}
	case ssh_FXP_LSTAT:
		pkt = &lstatPacket{}
	case ssh_FXP_FSTAT:
		pkt = &fstatPacket{}
	case ssh_FXP_SETSTAT:
		pkt = &setstatPacket{}
	case ssh_FXP_FSETSTAT:
		pkt = &fsetstatPacket{}
	case ssh_FXP_OPENDIR:
		pkt = &opendirPacket{}
	case ssh_FXP_READDIR:
		pkt = &readdirPacket{}
	case ssh_FXP_REMOVE:
		pkt = &removePacket{}
	case ssh_FXP_MKDIR:
		pkt = &mkdirPacket{}
	case ssh_FXP_RMDIR:
		pkt = &rmdirPacket{}
	case ssh_FXP_REALPATH:
		pkt = &realpathPacket{}
	case ssh_FXP_STAT:
		pkt = &statPacket{}
	case ssh_FXP_RENAME:
		pkt = &renamePacket{}
	case ssh_FXP_READLINK:
		pkt = &readlinkPacket{}
	case ssh_FXP_SYMLINK:
		pkt = &symlinkPacket{}
	case ssh_FXP_EXTENDED:
		pkt = &extendedPacket{}
	case ssh_FXP_INIT:
		return nil, errors.Wrap(ErrBadMessage, "duplicate SSH_FXP_INIT")
	default:
		return nil, nil
	}
	if err := pkt.decode(body); err != nil {
		return nil, err
	}
	return pkt, nil
}

// respond runs the handler for one decoded request and writes the reply.
func (s *Server) respond(pkt idPacket) error {
	id := pkt.id()
	switch p := pkt.(type) {
	case *openPacket:
		fh, err := s.h.Open(p.Path, p.Pflags, &p.Attr)
		if err != nil {
			return s.writeErr(id, err)
		}
		handle, err := s.hs.newFile(fh)
		if err != nil {
			_ = fh.Close()
			return s.writeErr(id, err)
		}
		s.log.Debugf("sftp: open %q -> %s", p.Path, handle)
		return s.conn.writeFrame(&handlePacket{header: header{ID: id}, Handle: handle})

	case *closePacket:
		return s.writeErr(id, s.hs.closeHandle(p.Handle))

	case *readPacket:
		fh, ok := s.hs.getFile(p.Handle)
		if !ok {
			return s.writeErr(id, errInvalidHandle)
		}
		length := p.Len
		if length > s.maxData {
			length = s.maxData
		}
		bs := bytepool.Alloc(int(length))
		n, err := fh.ReadAt(bs, int64(p.Offset))
		// Handle readers that return io.EOF alongside bytes.
		if err == io.EOF && n > 0 {
			err = nil
		}
		if err != nil {
			bytepool.Free(bs)
			return s.writeErr(id, err)
		}
		werr := s.conn.writeFrame(&dataPacket{header: header{ID: id}, Data: bs[:n]})
		bytepool.Free(bs)
		return werr

	case *writePacket:
		fh, ok := s.hs.getFile(p.Handle)
		if !ok {
			return s.writeErr(id, errInvalidHandle)
		}
		_, err := fh.WriteAt(p.Data, int64(p.Offset))
		return s.writeErr(id, err)

	case *lstatPacket:
		a, err := s.h.Stat(p.Path, false)
		return s.writeAttr(id, a, err)

	case *statPacket:
		a, err := s.h.Stat(p.Path, true)
		return s.writeAttr(id, a, err)

	case *fstatPacket:
		fh, ok := s.hs.getFile(p.Handle)
		if !ok {
			return s.writeErr(id, errInvalidHandle)
		}
		a, err := fh.Stat()
		return s.writeAttr(id, a, err)

	case *setstatPacket:
		return s.writeErr(id, s.h.SetStat(p.Path, &p.Attr))

	case *fsetstatPacket:
		fh, ok := s.hs.getFile(p.Handle)
		if !ok {
			return s.writeErr(id, errInvalidHandle)
		}
		return s.writeErr(id, fh.SetStat(&p.Attr))

	case *opendirPacket:
		dh, err := s.h.OpenDir(p.Path)
		if err != nil {
			return s.writeErr(id, err)
		}
		handle, err := s.hs.newDir(dh)
		if err != nil {
			_ = dh.Close()
			return s.writeErr(id, err)
		}
		s.log.Debugf("sftp: opendir %q -> %s", p.Path, handle)
		return s.conn.writeFrame(&handlePacket{header: header{ID: id}, Handle: handle})

	case *readdirPacket:
		dh, ok := s.hs.getDir(p.Handle)
		if !ok {
			return s.writeErr(id, errInvalidHandle)
		}
		entries, err := dh.ReadEntries(1024)
		if len(entries) == 0 {
			if err == nil {
				err = io.EOF
			}
			return s.writeErr(id, err)
		}
		return s.conn.writeFrame(&namePacket{header: header{ID: id}, Entries: entries})

	case *removePacket:
		return s.writeErr(id, s.h.Remove(p.Path))

	case *mkdirPacket:
		return s.writeErr(id, s.h.Mkdir(p.Path, &p.Attr))

	case *rmdirPacket:
		return s.writeErr(id, s.h.Rmdir(p.Path))

	case *renamePacket:
		return s.writeErr(id, s.h.Rename(p.Oldpath, p.Newpath))

	case *readlinkPacket:
		target, err := s.h.ReadLink(p.Path)
		return s.writeNameOnly(id, target, err)

	case *realpathPacket:
		resolved, err := s.h.RealPath(p.Path)
		return s.writeNameOnly(id, resolved, err)

	case *symlinkPacket:
		return s.writeErr(id, s.h.Symlink(p.Linkpath, p.Target))

	case *extendedPacket:
		return s.respondExtended(id, p)
	}
	return s.writeStatus(id, ssh_FX_OP_UNSUPPORTED, "")
}

// respondExtended routes EXTENDED requests by name.  The built-in
// openssh.com extensions decode here; everything else goes to the
// handler's Extended method verbatim.
func (s *Server) respondExtended(id uint32, p *extendedPacket) error {
	s.log.Debugf("sftp: extended %q id=%d", p.Name, id)
	switch p.Name {
	case extLimits:
		limits := Limits{
			MaxPacketLen:   uint64(s.maxFrame),
			MaxReadLen:     uint64(s.maxData),
			MaxWriteLen:    uint64(s.maxData),
			MaxOpenHandles: uint64(s.maxHandles),
		}
		reply := &extendedReplyPacket{header: header{ID: id}}
		reply.Payload = limits.encode(binp.Out()).Out()
		return s.conn.writeFrame(reply)

	case extHardlink:
		var args pathPairArgs
		if err := args.decode(p.Payload); err != nil {
			return err
		}
		return s.writeErr(id, s.h.Hardlink(args.Oldpath, args.Newpath))

	case extPosixRename:
		var args pathPairArgs
		if err := args.decode(p.Payload); err != nil {
			return err
		}
		return s.writeErr(id, s.h.Rename(args.Oldpath, args.Newpath))

	case extFsync:
		var args fsyncArgs
		if err := args.decode(p.Payload); err != nil {
			return err
		}
		fh, ok := s.hs.getFile(args.Handle)
		if !ok {
			return s.writeErr(id, errInvalidHandle)
		}
		return s.writeErr(id, fh.Sync())

	case extStatVFS:
		var args statvfsArgs
		if err := args.decode(p.Payload); err != nil {
			return err
		}
		st, err := s.h.StatVFS(args.Path)
		if err != nil {
			return s.writeErr(id, err)
		}
		reply := &extendedReplyPacket{header: header{ID: id}}
		reply.Payload = st.encode(binp.Out()).Out()
		return s.conn.writeFrame(reply)
	}

	payload, err := s.h.Extended(p.Name, p.Payload)
	if err != nil {
		return s.writeErr(id, err)
	}
	return s.conn.writeFrame(&extendedReplyPacket{header: header{ID: id}, Payload: payload})
}

func (s *Server) writeStatus(id uint32, code ssh_fx, msg string) error {
	s.log.Debugf("sftp: -> status id=%d %v", id, code)
	return s.conn.writeFrame(&statusPacket{header: header{ID: id}, Code: uint32(code), Msg: msg})
}

func (s *Server) writeErr(id uint32, err error) error {
	code, msg := statusFromError(err)
	return s.writeStatus(id, code, msg)
}

func (s *Server) writeAttr(id uint32, a *Attr, err error) error {
	if err != nil {
		return s.writeErr(id, err)
	}
	return s.conn.writeFrame(&attrsPacket{header: header{ID: id}, Attr: *a})
}

// writeNameOnly replies with a single NAME entry carrying empty attrs,
// the shape REALPATH and READLINK use.
func (s *Server) writeNameOnly(id uint32, path string, err error) error {
	if err != nil {
		return s.writeErr(id, err)
	}
	return s.conn.writeFrame(&namePacket{
		header:  header{ID: id},
		Entries: []NamedAttr{{Name: path, Longname: path}},
	})
}
