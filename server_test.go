package sftp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taruti/binp"
)

// startServer runs a Server against the far end of a pipe and returns a
// framed conn for the scripted client side.
func startServer(t *testing.T, h Handler, opts ...ServerOption) (*conn, func() error) {
	t.Helper()
	near, far := net.Pipe()

	s, err := NewServer(far, h, opts...)
	require.NoError(t, err)

	errC := make(chan error, 1)
	go func() { errC <- s.Serve() }()

	cc := newConn(near, near, defaultMaxFrame)
	return cc, func() error {
		_ = near.Close()
		err := <-errC
		_ = far.Close()
		return err
	}
}

func clientHandshake(t *testing.T, cc *conn, version uint32) *versionPacket {
	t.Helper()
	require.NoError(t, cc.writeFrame(&initPacket{Version: version}))
	op, body, err := cc.readFrame()
	require.NoError(t, err)
	require.Equal(t, ssh_FXP_VERSION, op)
	var ver versionPacket
	require.NoError(t, ver.decode(body))
	return &ver
}

func readStatus(t *testing.T, cc *conn) *statusPacket {
	t.Helper()
	op, body, err := cc.readFrame()
	require.NoError(t, err)
	require.Equal(t, ssh_FXP_STATUS, op)
	var st statusPacket
	require.NoError(t, st.decode(body))
	return &st
}

func readHandle(t *testing.T, cc *conn) *handlePacket {
	t.Helper()
	op, body, err := cc.readFrame()
	require.NoError(t, err)
	require.Equal(t, ssh_FXP_HANDLE, op)
	var h handlePacket
	require.NoError(t, h.decode(body))
	return &h
}

func TestServerVersionNegotiation(t *testing.T) {
	cc, stop := startServer(t, newMemHandler())

	// A client asking for a newer version still gets 3.
	ver := clientHandshake(t, cc, 5)
	assert.Equal(t, uint32(protocolVersion), ver.Version)

	names := make([]string, 0, len(ver.Extensions))
	for _, ep := range ver.Extensions {
		names = append(names, ep.Name)
	}
	assert.Contains(t, names, extLimits)
	assert.Contains(t, names, extStatVFS)

	require.NoError(t, stop())
}

func TestServerRejectsNonInitFirstPacket(t *testing.T) {
	cc, stop := startServer(t, newMemHandler())

	require.NoError(t, cc.writeFrame(&realpathPacket{header: header{ID: 1}, Path: "."}))
	err := stop()
	assert.ErrorIs(t, err, ErrBadMessage)
}

func TestServerOpenReadWriteClose(t *testing.T) {
	h := newMemHandler()
	cc, stop := startServer(t, h)
	clientHandshake(t, cc, protocolVersion)

	require.NoError(t, cc.writeFrame(&openPacket{
		header: header{ID: 1}, Path: "/a.txt", Pflags: FlagWrite | FlagCreate,
	}))
	handle := readHandle(t, cc).Handle
	assert.NotEmpty(t, handle)
	assert.LessOrEqual(t, len(handle), maxHandleLen)

	require.NoError(t, cc.writeFrame(&writePacket{
		header: header{ID: 2}, Handle: handle, Offset: 0, Data: []byte("ABCD"),
	}))
	assert.Equal(t, StatusOK, readStatus(t, cc).Code)

	require.NoError(t, cc.writeFrame(&readPacket{
		header: header{ID: 3}, Handle: handle, Offset: 0, Len: 4,
	}))
	op, body, err := cc.readFrame()
	require.NoError(t, err)
	require.Equal(t, ssh_FXP_DATA, op)
	var data dataPacket
	require.NoError(t, data.decode(body))
	assert.Equal(t, "ABCD", string(data.Data))

	// Read past end surfaces STATUS EOF, not an error.
	require.NoError(t, cc.writeFrame(&readPacket{
		header: header{ID: 4}, Handle: handle, Offset: 4, Len: 4,
	}))
	assert.Equal(t, StatusEOF, readStatus(t, cc).Code)

	require.NoError(t, cc.writeFrame(&closePacket{header: header{ID: 5}, Handle: handle}))
	assert.Equal(t, StatusOK, readStatus(t, cc).Code)
	assert.Equal(t, 1, h.closedHandles())

	require.NoError(t, stop())
}

func TestServerInvalidHandleIsPerRequest(t *testing.T) {
	cc, stop := startServer(t, newMemHandler())
	clientHandshake(t, cc, protocolVersion)

	require.NoError(t, cc.writeFrame(&readPacket{header: header{ID: 1}, Handle: "bogus", Len: 1}))
	assert.Equal(t, StatusFailure, readStatus(t, cc).Code)

	// Session stays usable.
	require.NoError(t, cc.writeFrame(&realpathPacket{header: header{ID: 2}, Path: "."}))
	op, _, err := cc.readFrame()
	require.NoError(t, err)
	assert.Equal(t, ssh_FXP_NAME, op)

	require.NoError(t, stop())
}

func TestServerReaddir(t *testing.T) {
	h := newMemHandler()
	h.files["/a.txt"] = &memEntry{data: []byte("a"), mode: 0644}
	cc, stop := startServer(t, h)
	clientHandshake(t, cc, protocolVersion)

	require.NoError(t, cc.writeFrame(&opendirPacket{header: header{ID: 1}, Path: "/"}))
	handle := readHandle(t, cc).Handle

	require.NoError(t, cc.writeFrame(&readdirPacket{header: header{ID: 2}, Handle: handle}))
	op, body, err := cc.readFrame()
	require.NoError(t, err)
	require.Equal(t, ssh_FXP_NAME, op)
	var name namePacket
	require.NoError(t, name.decode(body))
	require.Len(t, name.Entries, 3)
	assert.Equal(t, ".", name.Entries[0].Name)
	assert.Equal(t, "..", name.Entries[1].Name)
	assert.Equal(t, "a.txt", name.Entries[2].Name)
	assert.NotEmpty(t, name.Entries[2].Longname)

	require.NoError(t, cc.writeFrame(&readdirPacket{header: header{ID: 3}, Handle: handle}))
	assert.Equal(t, StatusEOF, readStatus(t, cc).Code)

	require.NoError(t, cc.writeFrame(&closePacket{header: header{ID: 4}, Handle: handle}))
	assert.Equal(t, StatusOK, readStatus(t, cc).Code)

	require.NoError(t, stop())
}

func TestServerUnknownTypeCode(t *testing.T) {
	cc, stop := startServer(t, newMemHandler())
	clientHandshake(t, cc, protocolVersion)

	// Hand-rolled frame with an unassigned type code.
	var l binp.Len
	o := binp.Out().LenB32(&l).LenStart(&l).Byte(250).B32(77)
	o.LenDone(&l)
	c := cc
	c.wmu.Lock()
	_, err := c.w.Write(o.Out())
	c.wmu.Unlock()
	require.NoError(t, err)

	st := readStatus(t, cc)
	assert.Equal(t, StatusOpUnsupported, st.Code)
	assert.Equal(t, uint32(77), st.ID)

	// Session survives.
	require.NoError(t, cc.writeFrame(&realpathPacket{header: header{ID: 78}, Path: "."}))
	op, _, err := cc.readFrame()
	require.NoError(t, err)
	assert.Equal(t, ssh_FXP_NAME, op)

	require.NoError(t, stop())
}

func TestServerUnknownExtension(t *testing.T) {
	cc, stop := startServer(t, newMemHandler())
	clientHandshake(t, cc, protocolVersion)

	require.NoError(t, cc.writeFrame(&extendedPacket{header: header{ID: 1}, Name: "nope@example.com"}))
	assert.Equal(t, StatusOpUnsupported, readStatus(t, cc).Code)

	require.NoError(t, stop())
}

func TestServerEmbedderExtension(t *testing.T) {
	cc, stop := startServer(t, newMemHandler())
	clientHandshake(t, cc, protocolVersion)

	require.NoError(t, cc.writeFrame(&extendedPacket{
		header: header{ID: 1}, Name: "echo@test", Payload: []byte("ping"),
	}))
	op, body, err := cc.readFrame()
	require.NoError(t, err)
	require.Equal(t, ssh_FXP_EXTENDED_REPLY, op)
	var rep extendedReplyPacket
	require.NoError(t, rep.decode(body))
	assert.Equal(t, "ping", string(rep.Payload))

	require.NoError(t, stop())
}

func TestServerLimitsExtension(t *testing.T) {
	cc, stop := startServer(t, newMemHandler(), WithMaxOpenHandles(64))
	clientHandshake(t, cc, protocolVersion)

	require.NoError(t, cc.writeFrame(&extendedPacket{header: header{ID: 1}, Name: extLimits}))
	op, body, err := cc.readFrame()
	require.NoError(t, err)
	require.Equal(t, ssh_FXP_EXTENDED_REPLY, op)
	var rep extendedReplyPacket
	require.NoError(t, rep.decode(body))
	var limits Limits
	require.NoError(t, limits.decode(rep.Payload))
	assert.Equal(t, uint64(defaultMaxFrame), limits.MaxPacketLen)
	assert.Equal(t, uint64(defaultMaxData), limits.MaxReadLen)
	assert.Equal(t, uint64(64), limits.MaxOpenHandles)

	require.NoError(t, stop())
}

func TestServerStatVFSExtension(t *testing.T) {
	cc, stop := startServer(t, newMemHandler())
	clientHandshake(t, cc, protocolVersion)

	require.NoError(t, cc.writeFrame(&extendedPacket{
		header: header{ID: 1}, Name: extStatVFS,
		Payload: binp.Out().B32String("/").Out(),
	}))
	op, body, err := cc.readFrame()
	require.NoError(t, err)
	require.Equal(t, ssh_FXP_EXTENDED_REPLY, op)
	var rep extendedReplyPacket
	require.NoError(t, rep.decode(body))
	var st StatVFS
	require.NoError(t, st.decode(rep.Payload))
	assert.Equal(t, uint64(4096), st.Bsize)

	require.NoError(t, stop())
}

func TestServerDrainsHandlesOnTermination(t *testing.T) {
	h := newMemHandler()
	cc, stop := startServer(t, h)
	clientHandshake(t, cc, protocolVersion)

	require.NoError(t, cc.writeFrame(&openPacket{
		header: header{ID: 1}, Path: "/x", Pflags: FlagWrite | FlagCreate,
	}))
	readHandle(t, cc)
	require.NoError(t, cc.writeFrame(&opendirPacket{header: header{ID: 2}, Path: "/"}))
	readHandle(t, cc)

	require.NoError(t, stop())
	assert.Equal(t, 2, h.closedHandles())
}

func TestServerReadClampsLength(t *testing.T) {
	h := newMemHandler()
	h.files["/big"] = &memEntry{data: make([]byte, defaultMaxData+100), mode: 0644}
	cc, stop := startServer(t, h)
	clientHandshake(t, cc, protocolVersion)

	require.NoError(t, cc.writeFrame(&openPacket{header: header{ID: 1}, Path: "/big", Pflags: FlagRead}))
	handle := readHandle(t, cc).Handle

	require.NoError(t, cc.writeFrame(&readPacket{
		header: header{ID: 2}, Handle: handle, Offset: 0, Len: defaultMaxData + 100,
	}))
	op, body, err := cc.readFrame()
	require.NoError(t, err)
	require.Equal(t, ssh_FXP_DATA, op)
	var data dataPacket
	require.NoError(t, data.decode(body))
	assert.Len(t, data.Data, defaultMaxData)

	require.NoError(t, stop())
}
