// Package sftp implements the SFTP wire protocol, versions 3 through 6,
// as a request-reply RPC running over a single channel's "sftp"
// subsystem: a blocking client and a pluggable-filesystem server.
package sftp

// SubsystemName is the channel subsystem this protocol runs on.
const SubsystemName = "sftp"

// Protocol versions this implementation can negotiate.
const (
	VersionMin = 3
	VersionMax = 6
)

// Packet types, draft-ietf-secsh-filexfer section 3.
const (
	PacketInit          = 1
	PacketVersion       = 2
	PacketOpen          = 3
	PacketClose         = 4
	PacketRead          = 5
	PacketWrite         = 6
	PacketLstat         = 7
	PacketFstat         = 8
	PacketSetstat       = 9
	PacketFsetstat      = 10
	PacketOpendir       = 11
	PacketReaddir       = 12
	PacketRemove        = 13
	PacketMkdir         = 14
	PacketRmdir         = 15
	PacketRealpath      = 16
	PacketStat          = 17
	PacketRename        = 18
	PacketReadlink      = 19
	PacketSymlink       = 20 // v3-v5; v6 replaces it with PacketLink
	PacketLink          = 21 // v6
	PacketBlock         = 22
	PacketUnblock       = 23
	PacketStatus        = 101
	PacketHandle        = 102
	PacketData          = 103
	PacketName          = 104
	PacketAttrs         = 105
	PacketExtended      = 200
	PacketExtendedReply = 201
)

// Status codes, draft-ietf-secsh-filexfer section 7.
const (
	StatusOK                = 0
	StatusEOF               = 1
	StatusNoSuchFile        = 2
	StatusPermissionDenied  = 3
	StatusFailure           = 4
	StatusBadMessage        = 5
	StatusNoConnection      = 6
	StatusConnectionLost    = 7
	StatusOpUnsupported     = 8
	StatusInvalidHandle     = 9
	StatusNoSuchPath        = 10
	StatusFileAlreadyExists = 11
	StatusWriteProtect      = 12
)

// v3 open flags (classic bitmask), draft section 6.3 of the -02 draft.
const (
	FlagRead   = 0x00000001
	FlagWrite  = 0x00000002
	FlagAppend = 0x00000004
	FlagCreate = 0x00000008
	FlagTrunc  = 0x00000010
	FlagExcl   = 0x00000020
)

// v5+ desired-access bits (ACE4_* mask), draft section 6.3.
const (
	AceReadData        = 0x00000001
	AceWriteData       = 0x00000002
	AceAppendData      = 0x00000004
	AceReadAttributes  = 0x00000080
	AceWriteAttributes = 0x00000100
)

// v5+ disposition values, low bits of the flags field.
const (
	DispositionCreateNew        = 0x00000000
	DispositionCreateTruncate   = 0x00000001
	DispositionOpenExisting     = 0x00000002
	DispositionOpenOrCreate     = 0x00000003
	DispositionTruncateExisting = 0x00000004
	dispositionMask             = 0x00000007
)

// v5+ auxiliary flag bits.
const (
	flagAppendData = 0x00000008
)

// Well-known OpenSSH extensions.
const (
	ExtPosixRename = "posix-rename@openssh.com"
	ExtStatVFS     = "statvfs@openssh.com"
	ExtFstatVFS    = "fstatvfs@openssh.com"
	ExtHardlink    = "hardlink@openssh.com"
)

// File-type values carried by the v4+ attribute type byte, draft
// section 7.2.
const (
	TypeRegular     = 1
	TypeDirectory   = 2
	TypeSymlink     = 3
	TypeSpecial     = 4
	TypeUnknown     = 5
	TypeSocket      = 6
	TypeCharDevice  = 7
	TypeBlockDevice = 8
	TypeFifo        = 9
)
