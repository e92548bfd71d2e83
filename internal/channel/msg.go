package channel

// Connection-layer message-type bytes, RFC 4254 section 3 / RFC 4250
// section 4.1.3. Values are shared by internal/connection (the
// demultiplexer) and internal/userauth (whose SUCCESS/FAILURE replies
// share the same numbering space).
const (
	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100
)

// ExtendedDataStderr is the only SSH_EXTENDED_DATA_TYPE currently
// defined (RFC 4254 section 5.2).
const ExtendedDataStderr = 1
