package sftp

import (
	"os"

	"github.com/sshcore/sshcore/internal/wire"
)

// Attribute-presence flag bits. The v3 and v4+ drafts assign the same
// field (the uint32 ahead of the attribute body) different meanings for
// some bits; both assignments are listed, version-qualified.
const (
	AttrSize        = 0x00000001
	AttrUIDGID      = 0x00000002 // v3 only
	AttrPermissions = 0x00000004
	AttrACModTime   = 0x00000008 // v3: atime+mtime pair

	AttrAccessTime  = 0x00000008 // v4+
	AttrCreateTime  = 0x00000010 // v4+
	AttrModifyTime  = 0x00000020 // v4+
	AttrACL         = 0x00000040 // v4+
	AttrOwnerGroup  = 0x00000080 // v4+
	AttrSubsecond   = 0x00000100 // v4+
	AttrExtended    = 0x80000000
)

// POSIX file-type bits folded into Permissions so that v3 and v4+
// attribute records present a uniform view to higher-level code.
const (
	ModeRegular  = 0100000
	ModeDir      = 0040000
	ModeSymlink  = 0120000
	modeTypeMask = 0170000
)

// Timestamp is a v4+ time value with optional sub-second precision.
type Timestamp struct {
	Seconds     int64
	Nanoseconds uint32
}

// Attributes is the sparse file-attribute record of draft section 7.
// Flags records which fields are present; encoding is version-sensitive
// (v3 versus v4 and later).
type Attributes struct {
	Flags uint32

	// Type is the v4+ file-type byte; synthesized from Permissions when
	// decoding v3 records that carry type bits.
	Type byte

	Size uint64

	// v3 numeric identifiers.
	UID, GID uint32
	// v4+ symbolic identifiers.
	Owner, Group string

	Permissions uint32

	// v3 second-resolution pair.
	ATime, MTime uint32

	// v4+ split times.
	AccessTime Timestamp
	CreateTime Timestamp
	ModifyTime Timestamp

	// ACL is carried opaquely; this module neither evaluates nor
	// synthesizes ACL entries.
	ACL []byte
}

// FileMode converts Permissions (with folded type bits) to an
// os.FileMode for callers that want the stdlib vocabulary.
func (a *Attributes) FileMode() os.FileMode {
	mode := os.FileMode(a.Permissions & 0777)
	switch a.Permissions & modeTypeMask {
	case ModeDir:
		mode |= os.ModeDir
	case ModeSymlink:
		mode |= os.ModeSymlink
	}
	return mode
}

// IsDir reports whether the record describes a directory.
func (a *Attributes) IsDir() bool {
	if a.Type != 0 {
		return a.Type == TypeDirectory
	}
	return a.Permissions&modeTypeMask == ModeDir
}

// typeFromPermissions derives the v4+ type byte from POSIX type bits.
func typeFromPermissions(perms uint32) byte {
	switch perms & modeTypeMask {
	case ModeRegular:
		return TypeRegular
	case ModeDir:
		return TypeDirectory
	case ModeSymlink:
		return TypeSymlink
	case 0:
		return TypeUnknown
	default:
		return TypeSpecial
	}
}

// permissionsFromType folds the v4+ type byte into POSIX type bits so
// v3-era callers can keep testing Permissions either way.
func permissionsFromType(perms uint32, fileType byte) uint32 {
	if perms&modeTypeMask != 0 {
		return perms
	}
	switch fileType {
	case TypeRegular:
		return perms | ModeRegular
	case TypeDirectory:
		return perms | ModeDir
	case TypeSymlink:
		return perms | ModeSymlink
	default:
		return perms
	}
}

// Encode writes the record in the given protocol version's layout.
// Per the v4+ write-attributes decision recorded in DESIGN.md, v4+
// encodes only the split access/create/modify times; the legacy
// second-resolution pair is a v3-only layout.
func (a *Attributes) Encode(buf *wire.Buffer, version int) {
	if version <= 3 {
		a.encodeV3(buf)
		return
	}
	a.encodeV4(buf)
}

func (a *Attributes) encodeV3(buf *wire.Buffer) {
	flags := a.Flags & (AttrSize | AttrUIDGID | AttrPermissions | AttrACModTime)
	buf.PutUint32(flags)
	if flags&AttrSize != 0 {
		buf.PutUint64(a.Size)
	}
	if flags&AttrUIDGID != 0 {
		buf.PutUint32(a.UID)
		buf.PutUint32(a.GID)
	}
	if flags&AttrPermissions != 0 {
		buf.PutUint32(a.Permissions)
	}
	if flags&AttrACModTime != 0 {
		buf.PutUint32(a.ATime)
		buf.PutUint32(a.MTime)
	}
}

func (a *Attributes) encodeV4(buf *wire.Buffer) {
	// AttrUIDGID is the only v3 bit with no v4+ assignment;
	// AttrACModTime shares its value with AttrAccessTime, which v4+
	// keeps.
	flags := a.Flags &^ AttrUIDGID
	buf.PutUint32(flags)

	fileType := a.Type
	if fileType == 0 {
		fileType = typeFromPermissions(a.Permissions)
	}
	buf.PutByte(fileType)

	if flags&AttrSize != 0 {
		buf.PutUint64(a.Size)
	}
	if flags&AttrOwnerGroup != 0 {
		buf.PutString(a.Owner)
		buf.PutString(a.Group)
	}
	if flags&AttrPermissions != 0 {
		buf.PutUint32(a.Permissions)
	}
	sub := flags&AttrSubsecond != 0
	if flags&AttrAccessTime != 0 {
		putTime(buf, a.AccessTime, sub)
	}
	if flags&AttrCreateTime != 0 {
		putTime(buf, a.CreateTime, sub)
	}
	if flags&AttrModifyTime != 0 {
		putTime(buf, a.ModifyTime, sub)
	}
	if flags&AttrACL != 0 {
		buf.PutUint32(uint32(len(a.ACL)))
		buf.PutBytes(a.ACL)
	}
}

func putTime(buf *wire.Buffer, t Timestamp, subsecond bool) {
	buf.PutUint64(uint64(t.Seconds))
	if subsecond {
		buf.PutUint32(t.Nanoseconds)
	}
}

// DecodeAttributes reads an attribute record in the given protocol
// version's layout.
func DecodeAttributes(buf *wire.Buffer, version int) (*Attributes, error) {
	if version <= 3 {
		return decodeAttrsV3(buf)
	}
	return decodeAttrsV4(buf)
}

func decodeAttrsV3(buf *wire.Buffer) (*Attributes, error) {
	flags, err := buf.GetUint32()
	if err != nil {
		return nil, err
	}
	a := &Attributes{Flags: flags}
	if flags&AttrSize != 0 {
		if a.Size, err = buf.GetUint64(); err != nil {
			return nil, err
		}
	}
	if flags&AttrUIDGID != 0 {
		if a.UID, err = buf.GetUint32(); err != nil {
			return nil, err
		}
		if a.GID, err = buf.GetUint32(); err != nil {
			return nil, err
		}
	}
	if flags&AttrPermissions != 0 {
		if a.Permissions, err = buf.GetUint32(); err != nil {
			return nil, err
		}
		a.Type = typeFromPermissions(a.Permissions)
	}
	if flags&AttrACModTime != 0 {
		if a.ATime, err = buf.GetUint32(); err != nil {
			return nil, err
		}
		if a.MTime, err = buf.GetUint32(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func decodeAttrsV4(buf *wire.Buffer) (*Attributes, error) {
	flags, err := buf.GetUint32()
	if err != nil {
		return nil, err
	}
	a := &Attributes{Flags: flags}
	if a.Type, err = buf.GetByte(); err != nil {
		return nil, err
	}
	if flags&AttrSize != 0 {
		if a.Size, err = buf.GetUint64(); err != nil {
			return nil, err
		}
	}
	if flags&AttrOwnerGroup != 0 {
		if a.Owner, err = buf.GetString(); err != nil {
			return nil, err
		}
		if a.Group, err = buf.GetString(); err != nil {
			return nil, err
		}
	}
	if flags&AttrPermissions != 0 {
		if a.Permissions, err = buf.GetUint32(); err != nil {
			return nil, err
		}
	}
	a.Permissions = permissionsFromType(a.Permissions, a.Type)
	sub := flags&AttrSubsecond != 0
	if flags&AttrAccessTime != 0 {
		if a.AccessTime, err = getTime(buf, sub); err != nil {
			return nil, err
		}
	}
	if flags&AttrCreateTime != 0 {
		if a.CreateTime, err = getTime(buf, sub); err != nil {
			return nil, err
		}
	}
	if flags&AttrModifyTime != 0 {
		if a.ModifyTime, err = getTime(buf, sub); err != nil {
			return nil, err
		}
	}
	if flags&AttrACL != 0 {
		acl, err := buf.GetStringBytes()
		if err != nil {
			return nil, err
		}
		a.ACL = acl
	}
	return a, nil
}

func getTime(buf *wire.Buffer, subsecond bool) (Timestamp, error) {
	sec, err := buf.GetUint64()
	if err != nil {
		return Timestamp{}, err
	}
	t := Timestamp{Seconds: int64(sec)}
	if subsecond {
		if t.Nanoseconds, err = buf.GetUint32(); err != nil {
			return Timestamp{}, err
		}
	}
	return t, nil
}
