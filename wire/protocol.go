// Package wire frames and parses the PostgreSQL frontend/backend protocol,
// version 3.0, from the frontend (client) side.
//
// Reference: https://www.postgresql.org/docs/current/protocol-message-formats.html
package wire

// Frontend (client -> server) message types.
const (
	// Startup-class messages carry no type byte; they are identified by
	// their payload (protocol version or a magic request code) instead.
	MsgStartup       byte = 0
	MsgSSLRequest    byte = 0
	MsgCancelRequest byte = 0

	MsgQuery        byte = 'Q'
	MsgPassword     byte = 'p'
	MsgFunctionCall byte = 'F'
	MsgCopyData     byte = 'd'
	MsgCopyDone     byte = 'c'
	MsgCopyFail     byte = 'f'
	MsgTerminate    byte = 'X'
)

// Backend (server -> client) message types.
const (
	MsgAuthentication       byte = 'R'
	MsgBackendKeyData       byte = 'K'
	MsgCommandComplete      byte = 'C'
	MsgCopyInResponse       byte = 'G'
	MsgCopyOutResponse      byte = 'H'
	MsgDataRow              byte = 'D'
	MsgEmptyQueryResponse   byte = 'I'
	MsgErrorResponse        byte = 'E'
	MsgFunctionCallResponse byte = 'V'
	MsgNoticeResponse       byte = 'N'
	MsgNotificationResponse byte = 'A'
	MsgParameterStatus      byte = 'S'
	MsgReadyForQuery        byte = 'Z'
	MsgRowDescription       byte = 'T'
)

// Authentication request sub-codes (payload of an 'R' message).
const (
	AuthOK                = 0
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
)

// Transaction status bytes carried by ReadyForQuery.
const (
	TxStatusIdle   byte = 'I'
	TxStatusInTx   byte = 'T'
	TxStatusFailed byte = 'E'
)

// Protocol-level constants.
const (
	ProtocolVersionNumber int32 = (3 << 16) | 0
	SSLRequestCode        int32 = (1234 << 16) | 5679 // 80877103
	CancelRequestCode     int32 = (1234 << 16) | 5678 // 80877102
)

// Error/notice field tags, keyed by the single byte preceding each
// NUL-terminated value in an ErrorResponse/NoticeResponse payload.
const (
	FieldSeverity         byte = 'S'
	FieldSeverityNonLocal byte = 'V'
	FieldCode             byte = 'C'
	FieldMessage          byte = 'M'
	FieldDetail           byte = 'D'
	FieldHint             byte = 'H'
	FieldPosition         byte = 'P'
	FieldInternalPosition byte = 'p'
	FieldInternalQuery    byte = 'q'
	FieldWhere            byte = 'W'
	FieldFile             byte = 'F'
	FieldLine             byte = 'L'
	FieldRoutine          byte = 'R'
)

// Common SQLSTATE codes this package's callers check for by name.
const (
	SQLStateQueryCanceled = "57014"
)

// MaxMessageSize bounds a single frame's payload, guarding against a
// corrupt or hostile length field driving an unbounded allocation.
const MaxMessageSize = 1 << 30
