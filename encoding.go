package sftp

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Raw buffer helpers for the spots where binp's chained parser does not
// fit: lists that run to the end of the packet body (INIT/VERSION
// extension pairs) and EXTENDED payload tails whose layout is only known
// to the extension.

var errShortPacket = errors.Wrap(ErrBadMessage, "packet too short")

func unmarshalUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errShortPacket
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func unmarshalString(b []byte) (string, []byte, error) {
	n, b, err := unmarshalUint32(b)
	if err != nil {
		return "", nil, err
	}
	if uint64(n) > uint64(len(b)) {
		return "", nil, errShortPacket
	}
	return string(b[:n]), b[n:], nil
}

// ExtensionPair is a name/data pair carried by INIT and VERSION packets
// and by extended file attributes.
type ExtensionPair struct {
	Name string
	Data string
}

// unmarshalExtensionPairs consumes pairs until the buffer is exhausted.
func unmarshalExtensionPairs(b []byte) ([]ExtensionPair, error) {
	var exts []ExtensionPair
	for len(b) > 0 {
		var ep ExtensionPair
		var err error
		ep.Name, b, err = unmarshalString(b)
		if err != nil {
			return nil, err
		}
		ep.Data, b, err = unmarshalString(b)
		if err != nil {
			return nil, err
		}
		exts = append(exts, ep)
	}
	return exts, nil
}

// validPath rejects byte strings that are not UTF-8, per the v3 draft's
// treatment of file names.
func validPath(s string) error {
	if !utf8.ValidString(s) {
		return errors.Wrap(ErrBadMessage, "path is not valid UTF-8")
	}
	return nil
}
