package sftp

import (
	"github.com/pkg/errors"
	"github.com/taruti/binp"
)

// packet is one typed SFTP message.  encode appends the body (everything
// after the type byte) to the printer; decode consumes a complete body.
type packet interface {
	op() ssh_fxp
	encode(o *binp.Printer) *binp.Printer
	decode(body []byte) error
}

// idPacket is any packet carrying a request ID.  INIT and VERSION carry
// a version word in its place and are handled separately.
type idPacket interface {
	packet
	id() uint32
	setID(uint32)
}

// decodeEnd converts a finished parser chain into the error taxonomy:
// truncation, trailing garbage and nil chains (unknown attr bits,
// oversize extension counts) are all BadMessage.
func decodeEnd(p *binp.Parser) error {
	if p == nil {
		return errors.Wrap(ErrBadMessage, "malformed packet body")
	}
	if err := p.End(); err != nil {
		return errors.Wrapf(ErrBadMessage, "%v", err)
	}
	return nil
}

type initPacket struct {
	Version    uint32
	Extensions []ExtensionPair
}

func (p *initPacket) op() ssh_fxp { return ssh_FXP_INIT }

func (p *initPacket) encode(o *binp.Printer) *binp.Printer {
	o = o.B32(p.Version)
	for _, ep := range p.Extensions {
		o = o.B32String(ep.Name).B32String(ep.Data)
	}
	return o
}

func (p *initPacket) decode(body []byte) error {
	var err error
	p.Version, body, err = unmarshalUint32(body)
	if err != nil {
		return err
	}
	p.Extensions, err = unmarshalExtensionPairs(body)
	return err
}

type versionPacket struct {
	Version    uint32
	Extensions []ExtensionPair
}

func (p *versionPacket) op() ssh_fxp { return ssh_FXP_VERSION }

func (p *versionPacket) encode(o *binp.Printer) *binp.Printer {
	o = o.B32(p.Version)
	for _, ep := range p.Extensions {
		o = o.B32String(ep.Name).B32String(ep.Data)
	}
	return o
}

func (p *versionPacket) decode(body []byte) error {
	var err error
	p.Version, body, err = unmarshalUint32(body)
	if err != nil {
		return err
	}
	p.Extensions, err = unmarshalExtensionPairs(body)
	return err
}

// header carries the request ID shared by every non-handshake packet.
type header struct {
	ID uint32
}

func (h *header) id() uint32      { return h.ID }
func (h *header) setID(id uint32) { h.ID = id }

type openPacket struct {
	header
	Path   string
	Pflags uint32
	Attr   Attr
}

func (p *openPacket) op() ssh_fxp { return ssh_FXP_OPEN }

func (p *openPacket) encode(o *binp.Printer) *binp.Printer {
	return outAttr(o.B32(p.ID).B32String(p.Path).B32(p.Pflags), &p.Attr)
}

func (p *openPacket) decode(body []byte) error {
	q := binp.NewParser(body)
	if err := decodeEnd(parseAttr(q.B32(&p.ID).B32String(&p.Path).B32(&p.Pflags), &p.Attr)); err != nil {
		return err
	}
	return validPath(p.Path)
}

type closePacket struct {
	header
	Handle string
}

func (p *closePacket) op() ssh_fxp { return ssh_FXP_CLOSE }

func (p *closePacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Handle)
}

func (p *closePacket) decode(body []byte) error {
	return decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Handle))
}

type readPacket struct {
	header
	Handle string
	Offset uint64
	Len    uint32
}

func (p *readPacket) op() ssh_fxp { return ssh_FXP_READ }

func (p *readPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Handle).B64(p.Offset).B32(p.Len)
}

func (p *readPacket) decode(body []byte) error {
	return decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Handle).B64(&p.Offset).B32(&p.Len))
}

type writePacket struct {
	header
	Handle string
	Offset uint64
	Data   []byte
}

func (p *writePacket) op() ssh_fxp { return ssh_FXP_WRITE }

func (p *writePacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Handle).B64(p.Offset).B32Bytes(p.Data)
}

func (p *writePacket) decode(body []byte) error {
	var length uint32
	q := binp.NewParser(body).B32(&p.ID).B32String(&p.Handle).B64(&p.Offset).B32(&length)
	if q == nil {
		return errors.Wrap(ErrBadMessage, "malformed packet body")
	}
	return decodeEnd(q.BytesPeek(int(length), &p.Data))
}

type lstatPacket struct {
	header
	Path string
}

func (p *lstatPacket) op() ssh_fxp { return ssh_FXP_LSTAT }

func (p *lstatPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Path)
}

func (p *lstatPacket) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Path)); err != nil {
		return err
	}
	return validPath(p.Path)
}

type fstatPacket struct {
	header
	Handle string
}

func (p *fstatPacket) op() ssh_fxp { return ssh_FXP_FSTAT }

func (p *fstatPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Handle)
}

func (p *fstatPacket) decode(body []byte) error {
	return decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Handle))
}

type setstatPacket struct {
	header
	Path string
	Attr Attr
}

func (p *setstatPacket) op() ssh_fxp { return ssh_FXP_SETSTAT }

func (p *setstatPacket) encode(o *binp.Printer) *binp.Printer {
	return outAttr(o.B32(p.ID).B32String(p.Path), &p.Attr)
}

func (p *setstatPacket) decode(body []byte) error {
	q := binp.NewParser(body)
	if err := decodeEnd(parseAttr(q.B32(&p.ID).B32String(&p.Path), &p.Attr)); err != nil {
		return err
	}
	return validPath(p.Path)
}

type fsetstatPacket struct {
	header
	Handle string
	Attr   Attr
}

func (p *fsetstatPacket) op() ssh_fxp { return ssh_FXP_FSETSTAT }

func (p *fsetstatPacket) encode(o *binp.Printer) *binp.Printer {
	return outAttr(o.B32(p.ID).B32String(p.Handle), &p.Attr)
}

func (p *fsetstatPacket) decode(body []byte) error {
	q := binp.NewParser(body)
	return decodeEnd(parseAttr(q.B32(&p.ID).B32String(&p.Handle), &p.Attr))
}

type opendirPacket struct {
	header
	Path string
}

func (p *opendirPacket) op() ssh_fxp { return ssh_FXP_OPENDIR }

func (p *opendirPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Path)
}

func (p *opendirPacket) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Path)); err != nil {
		return err
	}
	return validPath(p.Path)
}

type readdirPacket struct {
	header
	Handle string
}

func (p *readdirPacket) op() ssh_fxp { return ssh_FXP_READDIR }

func (p *readdirPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Handle)
}

func (p *readdirPacket) decode(body []byte) error {
	return decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Handle))
}

type removePacket struct {
	header
	Path string
}

func (p *removePacket) op() ssh_fxp { return ssh_FXP_REMOVE }

func (p *removePacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Path)
}

func (p *removePacket) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Path)); err != nil {
		return err
	}
	return validPath(p.Path)
}

type mkdirPacket struct {
	header
	Path string
	Attr Attr
}

func (p *mkdirPacket) op() ssh_fxp { return ssh_FXP_MKDIR }

func (p *mkdirPacket) encode(o *binp.Printer) *binp.Printer {
	return outAttr(o.B32(p.ID).B32String(p.Path), &p.Attr)
}

func (p *mkdirPacket) decode(body []byte) error {
	q := binp.NewParser(body)
	if err := decodeEnd(parseAttr(q.B32(&p.ID).B32String(&p.Path), &p.Attr)); err != nil {
		return err
	}
	return validPath(p.Path)
}

type rmdirPacket struct {
	header
	Path string
}

func (p *rmdirPacket) op() ssh_fxp { return ssh_FXP_RMDIR }

func (p *rmdirPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Path)
}

func (p *rmdirPacket) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Path)); err != nil {
		return err
	}
	return validPath(p.Path)
}

type realpathPacket struct {
	header
	Path string
}

func (p *realpathPacket) op() ssh_fxp { return ssh_FXP_REALPATH }

func (p *realpathPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Path)
}

func (p *realpathPacket) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Path)); err != nil {
		return err
	}
	return validPath(p.Path)
}

type statPacket struct {
	header
	Path string
}

func (p *statPacket) op() ssh_fxp { return ssh_FXP_STAT }

func (p *statPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Path)
}

func (p *statPacket) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Path)); err != nil {
		return err
	}
	return validPath(p.Path)
}

type renamePacket struct {
	header
	Oldpath string
	Newpath string
}

func (p *renamePacket) op() ssh_fxp { return ssh_FXP_RENAME }

func (p *renamePacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Oldpath).B32String(p.Newpath)
}

func (p *renamePacket) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Oldpath).B32String(&p.Newpath)); err != nil {
		return err
	}
	if err := validPath(p.Oldpath); err != nil {
		return err
	}
	return validPath(p.Newpath)
}

type readlinkPacket struct {
	header
	Path string
}

func (p *readlinkPacket) op() ssh_fxp { return ssh_FXP_READLINK }

func (p *readlinkPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Path)
}

func (p *readlinkPacket) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Path)); err != nil {
		return err
	}
	return validPath(p.Path)
}

type symlinkPacket struct {
	header
	Linkpath string
	Target   string
}

func (p *symlinkPacket) op() ssh_fxp { return ssh_FXP_SYMLINK }

func (p *symlinkPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Linkpath).B32String(p.Target)
}

func (p *symlinkPacket) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Linkpath).B32String(&p.Target)); err != nil {
		return err
	}
	if err := validPath(p.Linkpath); err != nil {
		return err
	}
	return validPath(p.Target)
}

type extendedPacket struct {
	header
	Name    string
	Payload []byte
}

func (p *extendedPacket) op() ssh_fxp { return ssh_FXP_EXTENDED }

func (p *extendedPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Name).Bytes(p.Payload)
}

func (p *extendedPacket) decode(body []byte) error {
	var err error
	p.ID, body, err = unmarshalUint32(body)
	if err != nil {
		return err
	}
	p.Name, body, err = unmarshalString(body)
	if err != nil {
		return err
	}
	p.Payload = body
	return nil
}

type statusPacket struct {
	header
	Code uint32
	Msg  string
	Lang string
}

func (p *statusPacket) op() ssh_fxp { return ssh_FXP_STATUS }

func (p *statusPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32(p.Code).B32String(p.Msg).B32String(p.Lang)
}

func (p *statusPacket) decode(body []byte) error {
	return decodeEnd(binp.NewParser(body).B32(&p.ID).B32(&p.Code).B32String(&p.Msg).B32String(&p.Lang))
}

type handlePacket struct {
	header
	Handle string
}

func (p *handlePacket) op() ssh_fxp { return ssh_FXP_HANDLE }

func (p *handlePacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32String(p.Handle)
}

func (p *handlePacket) decode(body []byte) error {
	if err := decodeEnd(binp.NewParser(body).B32(&p.ID).B32String(&p.Handle)); err != nil {
		return err
	}
	if len(p.Handle) > maxHandleLen {
		return errors.Wrap(ErrBadMessage, "handle longer than 256 bytes")
	}
	return nil
}

type dataPacket struct {
	header
	Data []byte
}

func (p *dataPacket) op() ssh_fxp { return ssh_FXP_DATA }

func (p *dataPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).B32Bytes(p.Data)
}

func (p *dataPacket) decode(body []byte) error {
	var length uint32
	q := binp.NewParser(body).B32(&p.ID).B32(&length)
	if q == nil {
		return errors.Wrap(ErrBadMessage, "malformed packet body")
	}
	return decodeEnd(q.BytesPeek(int(length), &p.Data))
}

type namePacket struct {
	header
	Entries []NamedAttr
}

func (p *namePacket) op() ssh_fxp { return ssh_FXP_NAME }

func (p *namePacket) encode(o *binp.Printer) *binp.Printer {
	o = o.B32(p.ID).B32(uint32(len(p.Entries)))
	for i := range p.Entries {
		na := &p.Entries[i]
		o = outAttr(o.B32String(na.Name).B32String(readdirLongName(na)), &na.Attr)
	}
	return o
}

func (p *namePacket) decode(body []byte) error {
	var count uint32
	q := binp.NewParser(body).B32(&p.ID).B32(&count)
	if q == nil {
		return errors.Wrap(ErrBadMessage, "malformed packet body")
	}
	p.Entries = make([]NamedAttr, 0, clampCount(count))
	for i := uint32(0); i < count; i++ {
		var na NamedAttr
		q = parseAttr(q.B32String(&na.Name).B32String(&na.Longname), &na.Attr)
		if q == nil {
			return errors.Wrap(ErrBadMessage, "malformed packet body")
		}
		if err := validPath(na.Name); err != nil {
			return err
		}
		p.Entries = append(p.Entries, na)
	}
	return decodeEnd(q)
}

// clampCount bounds the pre-allocation for attacker-chosen counts; the
// parser still fails on truncation if the count exceeds the body.
func clampCount(n uint32) int {
	if n > 1024 {
		return 1024
	}
	return int(n)
}

type attrsPacket struct {
	header
	Attr Attr
}

func (p *attrsPacket) op() ssh_fxp { return ssh_FXP_ATTRS }

func (p *attrsPacket) encode(o *binp.Printer) *binp.Printer {
	return outAttr(o.B32(p.ID), &p.Attr)
}

func (p *attrsPacket) decode(body []byte) error {
	q := binp.NewParser(body)
	return decodeEnd(parseAttr(q.B32(&p.ID), &p.Attr))
}

type extendedReplyPacket struct {
	header
	Payload []byte
}

func (p *extendedReplyPacket) op() ssh_fxp { return ssh_FXP_EXTENDED_REPLY }

func (p *extendedReplyPacket) encode(o *binp.Printer) *binp.Printer {
	return o.B32(p.ID).Bytes(p.Payload)
}

func (p *extendedReplyPacket) decode(body []byte) error {
	var err error
	p.ID, body, err = unmarshalUint32(body)
	if err != nil {
		return err
	}
	p.Payload = body
	return nil
}
