package sftp

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

var (
	// ErrBadMessage reports a malformed packet or an unexpected packet
	// type on the wire.  It is fatal to the session.
	ErrBadMessage = errors.New("sftp: bad message")

	// ErrUnexpectedBehavior reports a protocol violation by the peer,
	// such as a wrong version or a reply without a matching request.
	ErrUnexpectedBehavior = errors.New("sftp: unexpected behavior")

	// ErrConnectionLost reports that the underlying stream closed or
	// errored while requests were outstanding.
	ErrConnectionLost = errors.New("sftp: connection lost")

	// ErrTimeout reports that a client request exceeded the configured
	// deadline.  The request is abandoned; its eventual reply is dropped.
	ErrTimeout = errors.New("sftp: request timed out")
)

// StatusError is a protocol-level error returned by the peer in a STATUS
// packet.  It is per-request and leaves the session usable.
type StatusError struct {
	Code uint32
	msg  string
	lang string
}

func (s *StatusError) Error() string {
	if s.msg == "" {
		return fmt.Sprintf("sftp: %v", ssh_fx(s.Code))
	}
	return fmt.Sprintf("sftp: %v %q", ssh_fx(s.Code), s.msg)
}

// Message returns the human readable message carried by the peer, if any.
func (s *StatusError) Message() string { return s.msg }

// ErrOpUnsupported is the status a handler returns for request kinds it
// does not implement.
var ErrOpUnsupported = &StatusError{Code: StatusOpUnsupported, msg: "operation unsupported"}

func statusErr(code ssh_fx, msg string) *StatusError {
	return &StatusError{Code: uint32(code), msg: msg}
}

// statusFromError maps a handler error to a STATUS code.  StatusError
// values pass through verbatim; common host filesystem errors map onto
// their protocol equivalents, everything else is FAILURE.
func statusFromError(err error) (ssh_fx, string) {
	var se *StatusError
	switch {
	case err == nil:
		return ssh_FX_OK, ""
	case errors.As(err, &se):
		return ssh_fx(se.Code), se.msg
	case errors.Is(err, io.EOF):
		return ssh_FX_EOF, ""
	case os.IsNotExist(err):
		return ssh_FX_NO_SUCH_FILE, err.Error()
	case os.IsPermission(err):
		return ssh_FX_PERMISSION_DENIED, err.Error()
	}
	return ssh_FX_FAILURE, err.Error()
}

// errFromStatus is the client-side inverse: OK becomes nil, EOF becomes
// io.EOF so reads surface end-of-stream rather than an error.
func errFromStatus(code uint32, msg, lang string) error {
	switch ssh_fx(code) {
	case ssh_FX_OK:
		return nil
	case ssh_FX_EOF:
		return io.EOF
	}
	return &StatusError{Code: code, msg: msg, lang: lang}
}
