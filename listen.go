package sftp

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// IsSftpRequest reports whether an ssh.Request asks for the sftp
// subsystem.  The payload is a single length-prefixed subsystem name.
func IsSftpRequest(req *ssh.Request) bool {
	if req.Type != "subsystem" {
		return false
	}
	name, rest, err := unmarshalString(req.Payload)
	return err == nil && len(rest) == 0 && name == "sftp"
}

// ServeChannel runs one SFTP session on an accepted ssh.Channel.
func ServeChannel(c ssh.Channel, h Handler, opts ...ServerOption) error {
	defer func() { _ = c.Close() }()
	s, err := NewServer(c, h, opts...)
	if err != nil {
		return err
	}
	return s.Serve()
}

// HandlerFactory returns the Handler serving one authenticated
// connection's sessions.  Returning an error refuses the session while
// leaving the SSH connection up; use it to scope each user to their own
// backend.
type HandlerFactory func(conn *ssh.ServerConn) (Handler, error)

// A ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger directs connection and session logging.
func WithListenerLogger(log logrus.FieldLogger) ListenerOption {
	return func(l *Listener) {
		l.log = log
	}
}

// WithSessionOptions sets ServerOptions applied to every session the
// listener serves.
func WithSessionOptions(opts ...ServerOption) ListenerOption {
	return func(l *Listener) {
		l.sessOpts = append(l.sessOpts, opts...)
	}
}

// Listener accepts TCP connections, runs the SSH handshake and serves
// an SFTP session on every sftp subsystem request.  Close drains the
// sessions still running before returning.
type Listener struct {
	ln       net.Listener
	sshCfg   *ssh.ServerConfig
	factory  HandlerFactory
	sessOpts []ServerOption
	log      logrus.FieldLogger

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

// Listen binds addr and returns a Listener ready to Serve.  The bind
// happens before Listen returns, so the caller can read Addr
// immediately; pass "127.0.0.1:0" to let the kernel pick a port.
func Listen(addr string, cfg *ssh.ServerConfig, factory HandlerFactory, opts ...ListenerOption) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:      ln,
		sshCfg:  cfg,
		factory: factory,
		log:     discardLogger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until Close.  It returns nil when the
// listener was closed and the accept error otherwise.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}
			return err
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting, then waits for the sessions in flight to end.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.ln.Close()
	l.sessions.Wait()
	return err
}

func (l *Listener) handleConn(nc net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(nc, l.sshCfg)
	if err != nil {
		l.log.Debugf("sftp: ssh handshake failed: %v", err)
		_ = nc.Close()
		return
	}
	defer func() { _ = sc.Close() }()
	log := l.log.WithField("remote", sc.RemoteAddr().String())

	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "only session channels are served")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			log.Debugf("sftp: channel accept failed: %v", err)
			continue
		}
		go l.serveSession(sc, channel, requests, log)
	}
}

// serveSession waits for the sftp subsystem request on one session
// channel.  Everything else (exec, shell, other subsystems) is refused;
// once sftp starts, no second subsystem can claim the channel.
func (l *Listener) serveSession(sc *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request, log logrus.FieldLogger) {
	defer func() { _ = channel.Close() }()

	for req := range requests {
		if !IsSftpRequest(req) {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		if req.WantReply {
			_ = req.Reply(true, nil)
		}
		go discardChannelRequests(requests)
		l.runSession(sc, channel, log)
		return
	}
}

// discardChannelRequests drains a session channel's requests once the
// SFTP engine owns the channel.
func discardChannelRequests(in <-chan *ssh.Request) {
	for req := range in {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (l *Listener) runSession(sc *ssh.ServerConn, channel ssh.Channel, log logrus.FieldLogger) {
	l.sessions.Add(1)
	defer l.sessions.Done()

	h, err := l.factory(sc)
	if err != nil {
		log.Errorf("sftp: refusing session: %v", err)
		return
	}
	opts := append([]ServerOption{WithServerLogger(log)}, l.sessOpts...)
	if err := ServeChannel(channel, h, opts...); err != nil {
		log.Errorf("sftp: session failed: %v", err)
	}
}
