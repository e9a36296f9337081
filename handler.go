package pglib

import (
	"github.com/charmbracelet/log"
)

// Handler is the small capability set a caller plugs in at connection
// construction to observe out-of-band backend traffic. It replaces the
// dynamic notice/notify callable lookup of the system this engine is
// modeled on with a static interface, per the re-architecture called for
// in this engine's design notes.
type Handler interface {
	// HandleNotice is called for every NoticeResponse, in addition to it
	// being recorded as the connection's last notice.
	HandleNotice(dict ErrorDict)
	// HandleNotification is called for every NotificationResponse, in
	// addition to it being recorded as the connection's last notification.
	HandleNotification(n Notification)
}

// defaultHandler logs notices and notifications rather than discarding
// them, matching this corpus's preference for visible-by-default ambient
// behavior over silent drops.
type defaultHandler struct {
	logger *log.Logger
}

// NewDefaultHandler returns a Handler that logs through logger (or a
// package default if logger is nil).
func NewDefaultHandler(logger *log.Logger) Handler {
	if logger == nil {
		logger = defaultLogger
	}
	return &defaultHandler{logger: logger}
}

func (h *defaultHandler) HandleNotice(dict ErrorDict) {
	h.logger.Info("notice", "severity", dict.Severity(), "message", dict.Message())
}

func (h *defaultHandler) HandleNotification(n Notification) {
	h.logger.Debug("notification", "pid", n.PID, "channel", n.Channel, "payload", n.Payload)
}

// RowConsumer receives every RowDescription/DataRow/CommandComplete as it
// streams in, instead of only the last Result a multi-statement query
// would otherwise leave behind. Optional: a nil RowConsumer means only the
// final Result is kept, per this engine's default behavior.
type RowConsumer interface {
	RowDescription(fields []RowFieldDescription)
	DataRow(row Row)
	CommandComplete(tag string)
}

// CopyInProducer drives the frontend side of a Copy-In (COPY ... FROM
// STDIN): the engine pulls chunks from it and frames them as CopyData.
type CopyInProducer interface {
	// Describe is called once with the format and column count the
	// backend reported in CopyInResponse.
	Describe(columnCount int, binary bool)
	// Read returns the next chunk to send, or (nil, io.EOF) at end of
	// stream. Any other non-nil error aborts the copy with CopyFail.
	Read() ([]byte, error)
	// Close is called once the copy has ended (successfully or not). A
	// non-nil error from Close at end of stream makes the engine send
	// CopyFail instead of CopyDone; Close's return value is not stored in
	// the completed Result, which is built from the backend's reply.
	Close() error
}

// CopyOutConsumer drives the frontend side of a Copy-Out (COPY ... TO
// STDOUT): the engine pushes every CopyData chunk to it.
type CopyOutConsumer interface {
	Describe(columnCount int, binary bool)
	Write(chunk []byte) error
	Close() error
}
