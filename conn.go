package sftp

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/taruti/binp"
)

// conn frames packets on a duplex byte stream.  The read half is owned
// by a single reader; writes are serialized by a mutex so replies and
// concurrent requests never interleave mid-frame.
type conn struct {
	brd *bufio.Reader
	w   io.Writer

	wmu sync.Mutex

	maxFrame uint32
}

func newConn(r io.Reader, w io.Writer, maxFrame uint32) *conn {
	return &conn{
		brd:      bufio.NewReaderSize(r, 64*1024),
		w:        w,
		maxFrame: maxFrame,
	}
}

// readFrame returns the next packet's type and body.  The declared
// length is bounded by maxFrame before any allocation.
func (c *conn) readFrame() (ssh_fxp, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(c.brd, hdr); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr)
	if length == 0 {
		return 0, nil, errors.Wrap(ErrBadMessage, "zero length frame")
	}
	if length > c.maxFrame {
		return 0, nil, errors.Wrapf(ErrBadMessage, "frame of %d bytes exceeds cap %d", length, c.maxFrame)
	}
	op := ssh_fxp(hdr[4])
	body := make([]byte, length-1)
	if _, err := io.ReadFull(c.brd, body); err != nil {
		return 0, nil, err
	}
	return op, body, nil
}

// writeFrame marshals and sends one packet.  The length prefix is
// back-filled once the body is printed.
func (c *conn) writeFrame(pkt packet) error {
	var l binp.Len
	o := binp.Out().LenB32(&l).LenStart(&l).Byte(byte(pkt.op()))
	o = pkt.encode(o)
	o.LenDone(&l)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.w.Write(o.Out())
	return err
}
