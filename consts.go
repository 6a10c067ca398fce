package sftp

import "fmt"

// Protocol version implemented by both the client and the server engine.
// https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt
const protocolVersion = 3

type ssh_fxp byte

const (
	ssh_FXP_INIT           ssh_fxp = 1
	ssh_FXP_VERSION        ssh_fxp = 2
	ssh_FXP_OPEN           ssh_fxp = 3
	ssh_FXP_CLOSE          ssh_fxp = 4
	ssh_FXP_READ           ssh_fxp = 5
	ssh_FXP_WRITE          ssh_fxp = 6
	ssh_FXP_LSTAT          ssh_fxp = 7
	ssh_FXP_FSTAT          ssh_fxp = 8
	ssh_FXP_SETSTAT        ssh_fxp = 9
	ssh_FXP_FSETSTAT       ssh_fxp = 10
	ssh_FXP_OPENDIR        ssh_fxp = 11
	ssh_FXP_READDIR        ssh_fxp = 12
	ssh_FXP_REMOVE         ssh_fxp = 13
	ssh_FXP_MKDIR          ssh_fxp = 14
	ssh_FXP_RMDIR          ssh_fxp = 15
	ssh_FXP_REALPATH       ssh_fxp = 16
	ssh_FXP_STAT           ssh_fxp = 17
	ssh_FXP_RENAME         ssh_fxp = 18
	ssh_FXP_READLINK       ssh_fxp = 19
	ssh_FXP_SYMLINK        ssh_fxp = 20
	ssh_FXP_STATUS         ssh_fxp = 101
	ssh_FXP_HANDLE         ssh_fxp = 102
	ssh_FXP_DATA           ssh_fxp = 103
	ssh_FXP_NAME           ssh_fxp = 104
	ssh_FXP_ATTRS          ssh_fxp = 105
	ssh_FXP_EXTENDED       ssh_fxp = 200
	ssh_FXP_EXTENDED_REPLY ssh_fxp = 201
)

func (op ssh_fxp) String() string {
	switch op {
	case ssh_FXP_INIT:
		return "SSH_FXP_INIT"
	case ssh_FXP_VERSION:
		return "SSH_FXP_VERSION"
	case ssh_FXP_OPEN:
		return "SSH_FXP_OPEN"
	case ssh_FXP_CLOSE:
		return "SSH_FXP_CLOSE"
	case ssh_FXP_READ:
		return "SSH_FXP_READ"
	case ssh_FXP_WRITE:
		return "SSH_FXP_WRITE"
	case ssh_FXP_LSTAT:
		return "SSH_FXP_LSTAT"
	case ssh_FXP_FSTAT:
		return "SSH_FXP_FSTAT"
	case ssh_FXP_SETSTAT:
		return "SSH_FXP_SETSTAT"
	case ssh_FXP_FSETSTAT:
		return "SSH_FXP_FSETSTAT"
	case ssh_FXP_OPENDIR:
		return "SSH_FXP_OPENDIR"
	case ssh_FXP_READDIR:
		return "SSH_FXP_READDIR"
	case ssh_FXP_REMOVE:
		return "SSH_FXP_REMOVE"
	case ssh_FXP_MKDIR:
		return "SSH_FXP_MKDIR"
	case ssh_FXP_RMDIR:
		return "SSH_FXP_RMDIR"
	case ssh_FXP_REALPATH:
		return "SSH_FXP_REALPATH"
	case ssh_FXP_STAT:
		return "SSH_FXP_STAT"
	case ssh_FXP_RENAME:
		return "SSH_FXP_RENAME"
	case ssh_FXP_READLINK:
		return "SSH_FXP_READLINK"
	case ssh_FXP_SYMLINK:
		return "SSH_FXP_SYMLINK"
	case ssh_FXP_STATUS:
		return "SSH_FXP_STATUS"
	case ssh_FXP_HANDLE:
		return "SSH_FXP_HANDLE"
	case ssh_FXP_DATA:
		return "SSH_FXP_DATA"
	case ssh_FXP_NAME:
		return "SSH_FXP_NAME"
	case ssh_FXP_ATTRS:
		return "SSH_FXP_ATTRS"
	case ssh_FXP_EXTENDED:
		return "SSH_FXP_EXTENDED"
	case ssh_FXP_EXTENDED_REPLY:
		return "SSH_FXP_EXTENDED_REPLY"
	}
	return fmt.Sprintf("SSH_FXP_UNKNOWN(%d)", byte(op))
}

type ssh_fx uint32

const (
	ssh_FX_OK                ssh_fx = 0
	ssh_FX_EOF               ssh_fx = 1
	ssh_FX_NO_SUCH_FILE      ssh_fx = 2
	ssh_FX_PERMISSION_DENIED ssh_fx = 3
	ssh_FX_FAILURE           ssh_fx = 4
	ssh_FX_BAD_MESSAGE       ssh_fx = 5
	ssh_FX_NO_CONNECTION     ssh_fx = 6
	ssh_FX_CONNECTION_LOST   ssh_fx = 7
	ssh_FX_OP_UNSUPPORTED    ssh_fx = 8
)

func (code ssh_fx) String() string {
	switch code {
	case ssh_FX_OK:
		return "SSH_FX_OK"
	case ssh_FX_EOF:
		return "SSH_FX_EOF"
	case ssh_FX_NO_SUCH_FILE:
		return "SSH_FX_NO_SUCH_FILE"
	case ssh_FX_PERMISSION_DENIED:
		return "SSH_FX_PERMISSION_DENIED"
	case ssh_FX_FAILURE:
		return "SSH_FX_FAILURE"
	case ssh_FX_BAD_MESSAGE:
		return "SSH_FX_BAD_MESSAGE"
	case ssh_FX_NO_CONNECTION:
		return "SSH_FX_NO_CONNECTION"
	case ssh_FX_CONNECTION_LOST:
		return "SSH_FX_CONNECTION_LOST"
	case ssh_FX_OP_UNSUPPORTED:
		return "SSH_FX_OP_UNSUPPORTED"
	}
	return fmt.Sprintf("SSH_FX_UNKNOWN(%d)", uint32(code))
}

// Exported status codes, for StatusError.Code and handler results.
const (
	StatusOK               = uint32(ssh_FX_OK)
	StatusEOF              = uint32(ssh_FX_EOF)
	StatusNoSuchFile       = uint32(ssh_FX_NO_SUCH_FILE)
	StatusPermissionDenied = uint32(ssh_FX_PERMISSION_DENIED)
	StatusFailure          = uint32(ssh_FX_FAILURE)
	StatusBadMessage       = uint32(ssh_FX_BAD_MESSAGE)
	StatusNoConnection     = uint32(ssh_FX_NO_CONNECTION)
	StatusConnectionLost   = uint32(ssh_FX_CONNECTION_LOST)
	StatusOpUnsupported    = uint32(ssh_FX_OP_UNSUPPORTED)
)

const (
	ssh_FILEXFER_ATTR_SIZE        = 0x00000001
	ssh_FILEXFER_ATTR_UIDGID      = 0x00000002
	ssh_FILEXFER_ATTR_PERMISSIONS = 0x00000004
	ssh_FILEXFER_ATTR_ACMODTIME   = 0x00000008
	ssh_FILEXFER_ATTR_EXTENDED    = 0x80000000

	ssh_FILEXFER_ATTR_ALL = ssh_FILEXFER_ATTR_SIZE | ssh_FILEXFER_ATTR_UIDGID |
		ssh_FILEXFER_ATTR_PERMISSIONS | ssh_FILEXFER_ATTR_ACMODTIME |
		ssh_FILEXFER_ATTR_EXTENDED
)

// Pflags bits for OPEN requests.
const (
	ssh_FXF_READ   = 0x00000001
	ssh_FXF_WRITE  = 0x00000002
	ssh_FXF_APPEND = 0x00000004
	ssh_FXF_CREAT  = 0x00000008
	ssh_FXF_TRUNC  = 0x00000010
	ssh_FXF_EXCL   = 0x00000020
)

// Exported aliases for embedders and client callers.
const (
	FlagRead     = ssh_FXF_READ
	FlagWrite    = ssh_FXF_WRITE
	FlagAppend   = ssh_FXF_APPEND
	FlagCreate   = ssh_FXF_CREAT
	FlagTruncate = ssh_FXF_TRUNC
	FlagExclude  = ssh_FXF_EXCL
)

// Vendored extension names routed through EXTENDED packets.
const (
	extLimits      = "limits@openssh.com"
	extHardlink    = "hardlink@openssh.com"
	extFsync       = "fsync@openssh.com"
	extStatVFS     = "statvfs@openssh.com"
	extPosixRename = "posix-rename@openssh.com"
)

const (
	// Largest frame accepted from the peer before the session is
	// declared broken.  Bounds memory per spec recommendation.
	defaultMaxFrame = 256 * 1024

	// Largest READ/WRITE data payload.  All compliant implementations
	// must accept 32 KiB.
	defaultMaxData = 32 * 1024

	// Handles are opaque strings but the protocol bounds them.
	maxHandleLen = 256
)
