// Package pglib implements the core of a PostgreSQL frontend client: the
// wire-protocol engine that drives connection start-up, serializes simple
// queries and their response streams into Results, tracks transaction
// status, and supports bulk copy, asynchronous notifications, query
// cancellation, and the fast-path function call.
//
// This package deliberately does not open sockets, resolve addresses, or
// speak TLS itself — callers supply a Transport (and, for the cancel
// path, a Dialer) and this package frames bytes in both directions over
// it. See SPEC_FULL.md for the full requirements this implements.
package pglib

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pglib/pglib/wire"
)

// Transport is the opaque byte-oriented connection this engine frames
// messages over. *net.TCPConn, *net.UnixConn, *tls.Conn, and net.Pipe all
// satisfy it; so does any in-memory fake used in tests.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a new Transport to addr. It is used only by Cancel, which
// must open a second, parallel connection; login's own transport is
// supplied directly to NewConn.
type Dialer func(ctx context.Context, addr Addr) (Transport, error)

// EncryptionMode controls whether and how this connection negotiates
// transport-level encryption before sending StartupMessage.
type EncryptionMode int

const (
	// EncryptionDisable sends StartupMessage immediately, in plaintext.
	EncryptionDisable EncryptionMode = iota
	// EncryptionAllow sends StartupMessage immediately, in plaintext, with
	// no negotiation — identical to Disable at this layer; an upstream
	// caller wanting "try plain, then retry encrypted" implements that
	// across two Conns.
	EncryptionAllow
	// EncryptionPrefer negotiates; accepts either the server's 'S' or 'N'
	// reply.
	EncryptionPrefer
	// EncryptionRequire negotiates; a refusal ('N') fails the login.
	EncryptionRequire
)

// Options configures a Conn.
type Options struct {
	User     string
	Password string
	// Params holds any other startup key/value pairs, e.g. "database".
	Params map[string]string

	Encryption EncryptionMode
	// Upgrade wraps the plaintext Transport in a TLS-capable one after the
	// backend agrees to encrypt ('S'). Required when Encryption is Prefer
	// or Require; this package never speaks TLS itself.
	Upgrade func(Transport) (Transport, error)

	// Dialer is kept with the options for callers that also use Cancel.
	// Conn itself never reads it; Cancel takes its Dialer as an argument.
	Dialer Dialer

	Logger  *log.Logger
	Handler Handler

	// Metrics, if set, is notified of request completions, auth
	// failures, and bytes transferred.
	Metrics MetricsSink
}

// MetricsSink receives connection-level instrumentation. See
// internal/metrics for the Prometheus-backed implementation; tests and
// callers that don't care about metrics can leave Options.Metrics nil.
type MetricsSink interface {
	ObserveRequestCompleted(status ResultStatus)
	ObserveAuthFailure()
	ObserveBytes(read, written int)
	SetInFlight(n int)
}

// Conn is one multiplexed correspondence with a single backend. It is
// safe for concurrent use: Login/Execute/Fn/Terminate may be called from
// any goroutine, and exactly one request occupies the in-flight slot at a
// time, per spec.
type Conn struct {
	mu sync.Mutex

	transport Transport
	decoder   *wire.Decoder
	addr      Addr
	opts      Options
	logger    *log.Logger
	handler   Handler

	phase    Phase
	txStatus TxStatus
	params   map[string]string

	backendPID int32
	secretKey  int32
	keyDataSet bool

	serverVersion int

	pending *request
	queue   requestQueue

	lastError        ErrorDict
	lastNotice       ErrorDict
	lastNotification *Notification
	result           *Result
	// lastComplete holds the most recently finished statement's snapshot
	// within a multi-statement simple query; per this engine's default,
	// it — not any earlier statement's tuples — is what the completed
	// request's Result reports.
	lastComplete *Result

	// Set while the in-flight request is reqCopyIn/reqCopyOut.
	activeCopyIn  CopyInProducer
	activeCopyOut CopyOutConsumer

	idleCh chan struct{}

	// negotiation is set only while PhaseEncryptionNegotiating is active.
	negotiation *Completion[negotiationResult]

	closeOnce sync.Once
	readErr   error

	requestsCompleted uint64
	bytesRead         uint64
	bytesWritten      uint64
}

// Stats is a snapshot of a connection's lifetime counters, promoted to a
// first-class accessor alongside the Prometheus metrics §11 wires for the
// example console.
type Stats struct {
	Phase             Phase
	RequestsCompleted uint64
	BytesRead         uint64
	BytesWritten      uint64
}

// Stats returns a snapshot of this connection's counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Phase:             c.phase,
		RequestsCompleted: c.requestsCompleted,
		BytesRead:         c.bytesRead,
		BytesWritten:      c.bytesWritten,
	}
}

// NewConn wraps transport (already established by the caller) as a fresh
// Conn in the Transport-Made phase. addr is retained only to let GetCancel
// build a CancelHandle.
func NewConn(transport Transport, addr Addr, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger
	}
	handler := opts.Handler
	if handler == nil {
		handler = NewDefaultHandler(logger)
	}

	c := &Conn{
		transport: transport,
		decoder:   wire.NewDecoder(),
		addr:      addr,
		opts:      opts,
		logger:    logger,
		handler:   handler,
		phase:     PhaseTransportMade,
		txStatus:  TxUnknown,
		params:    make(map[string]string),
		result:    newResult(),
		idleCh:    make(chan struct{}, 1),
	}
	return c
}

// Phase returns the connection's current lifecycle phase.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// TxStatus returns the transaction status observed at the last
// ReadyForQuery.
func (c *Conn) TxStatus() TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txStatus
}

// Parameters returns a snapshot of the backend parameter map.
func (c *Conn) Parameters() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// ServerVersion returns the numeric server_version (major*10000 +
// minor*100 + patch), valid once login has completed.
func (c *Conn) ServerVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// BackendPID returns the backend process id captured during login.
func (c *Conn) BackendPID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backendPID
}

// Idle returns a channel that receives a tick whenever the connection has
// processed an out-of-band message (notice, notification, parameter
// status) with no request in flight — the moment a caller's event loop
// would otherwise sit idle. Buffered by 1; ticks are coalesced, not
// queued.
func (c *Conn) Idle() <-chan struct{} {
	return c.idleCh
}

func (c *Conn) notifyIdle() {
	select {
	case c.idleCh <- struct{}{}:
	default:
	}
}

// Serve runs the read loop until the transport closes or a fatal protocol
// error occurs. Callers run it in its own goroutine; it returns only when
// the connection has gone Bad or the transport was closed after
// Terminate.
func (c *Conn) Serve() error {
	readBuf := make([]byte, 16*1024)
	for {
		n, err := c.transport.Read(readBuf)
		if n > 0 {
			c.mu.Lock()
			c.decoder.Feed(readBuf[:n])
			c.bytesRead += uint64(n)
			c.mu.Unlock()
			if c.opts.Metrics != nil {
				c.opts.Metrics.ObserveBytes(n, 0)
			}
			if derr := c.drainFrames(); derr != nil {
				return derr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.failConnection(&TransportError{Err: err})
				return nil
			}
			transportErr := &TransportError{Err: err}
			c.failConnection(transportErr)
			return transportErr
		}
	}
}

// drainFrames extracts and dispatches every complete frame currently
// buffered.
func (c *Conn) drainFrames() error {
	for {
		c.mu.Lock()
		opcode, payload, ok, err := c.decoder.Next()
		c.mu.Unlock()
		if err != nil {
			c.failConnection(err)
			return err
		}
		if !ok {
			return nil
		}
		if derr := c.dispatch(opcode, payload); derr != nil {
			return derr
		}
	}
}

// send frames and writes a typed message. Must be called with c.mu held.
func (c *Conn) sendLocked(opcode byte, payload []byte) error {
	frame := wire.EncodeTyped(opcode, payload)
	return c.writeLocked(frame)
}

// sendUntypedLocked frames and writes a startup-class message. Must be
// called with c.mu held.
func (c *Conn) sendUntypedLocked(payload []byte) error {
	return c.writeLocked(wire.EncodeUntyped(payload))
}

func (c *Conn) writeLocked(frame []byte) error {
	_, err := c.transport.Write(frame)
	if err != nil {
		return &TransportError{Err: err}
	}
	c.bytesWritten += uint64(len(frame))
	if c.opts.Metrics != nil {
		c.opts.Metrics.ObserveBytes(0, len(frame))
	}
	return nil
}

// failConnection transitions to Bad, fails the in-flight request and
// drains the queue, and closes the transport. Safe to call more than
// once; only the first call has an effect.
func (c *Conn) failConnection(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.phase = PhaseBad
		c.readErr = err
		pending := c.pending
		c.pending = nil
		c.queue.drain(err)
		_ = c.transport.Close()
		c.mu.Unlock()

		if pending != nil {
			pending.fail(err)
		}
		c.logger.Error("connection failed", "err", err)
	})
}

// enqueue pushes a new request and attempts to promote it immediately.
func (c *Conn) enqueue(r *request) error {
	c.mu.Lock()
	if c.phase == PhaseBad {
		c.mu.Unlock()
		return ErrConnectionBad
	}
	c.queue.push(r)
	err := c.flushLocked()
	c.mu.Unlock()
	return err
}

// flushLocked promotes the next queued request into the in-flight slot
// and writes it, if the slot is free. Must be called with c.mu held.
func (c *Conn) flushLocked() error {
	if c.pending != nil {
		return nil
	}
	next := c.queue.pop()
	if next == nil {
		return nil
	}
	c.pending = next
	c.txStatus = TxActive
	c.result = newResult()
	c.lastComplete = nil
	c.activeCopyIn = next.copyInProducer
	c.activeCopyOut = next.copyOutConsumer
	if c.opts.Metrics != nil {
		c.opts.Metrics.SetInFlight(1)
	}

	switch next.kind {
	case reqStartup:
		if err := c.sendUntypedLocked(next.payload); err != nil {
			return c.failPendingLocked(err)
		}
	case reqTerminate:
		if err := c.sendLocked(wire.MsgTerminate, nil); err != nil {
			return c.failPendingLocked(err)
		}
		pending := c.pending
		c.pending = nil
		pending.terminateCompletion.fulfill(struct{}{}, nil)
		_ = c.transport.Close()
	default:
		c.phase = PhaseAwaitingResponse
		if err := c.sendLocked(next.opcode, next.payload); err != nil {
			return c.failPendingLocked(err)
		}
	}
	return nil
}

func (c *Conn) failPendingLocked(err error) error {
	pending := c.pending
	c.pending = nil
	if pending != nil {
		pending.fail(err)
	}
	return err
}

// dispatch routes one decoded frame to its handler. Unknown opcodes are
// fatal, per spec.
func (c *Conn) dispatch(opcode byte, payload []byte) error {
	c.mu.Lock()
	negotiating := c.phase == PhaseEncryptionNegotiating
	c.mu.Unlock()
	if negotiating {
		return c.handleEncryptionReply(opcode)
	}

	h, ok := opcodeHandlers[opcode]
	if !ok {
		ierr := &InvalidRequest{Opcode: opcode}
		c.failConnection(ierr)
		return ierr
	}
	if err := h(c, payload); err != nil {
		c.failConnection(err)
		return err
	}
	return nil
}

// opcodeHandlers is the static dispatch table DESIGN NOTES §9 calls for,
// in place of the dynamic opcode-to-handler-name lookup this engine's
// design is otherwise modeled on.
var opcodeHandlers = map[byte]func(*Conn, []byte) error{
	wire.MsgErrorResponse:        (*Conn).handleError,
	wire.MsgNoticeResponse:       (*Conn).handleNotice,
	wire.MsgAuthentication:       (*Conn).handleAuthentication,
	wire.MsgBackendKeyData:       (*Conn).handleBackendKeyData,
	wire.MsgParameterStatus:      (*Conn).handleParameterStatus,
	wire.MsgReadyForQuery:        (*Conn).handleReadyForQuery,
	wire.MsgCommandComplete:      (*Conn).handleCommandComplete,
	wire.MsgRowDescription:       (*Conn).handleRowDescription,
	wire.MsgDataRow:              (*Conn).handleDataRow,
	wire.MsgEmptyQueryResponse:   (*Conn).handleEmptyQuery,
	wire.MsgFunctionCallResponse: (*Conn).handleFunctionCallResponse,
	wire.MsgCopyInResponse:       (*Conn).handleCopyInResponse,
	wire.MsgCopyOutResponse:      (*Conn).handleCopyOutResponse,
	wire.MsgCopyData:             (*Conn).handleCopyData,
	wire.MsgCopyDone:             (*Conn).handleCopyDone,
	wire.MsgNotificationResponse: (*Conn).handleNotificationResponse,
}

func (c *Conn) handleError(payload []byte) error {
	dict, err := parseErrorDict(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	startup := c.pending != nil && c.pending.kind == reqStartup
	c.lastError = dict
	c.mu.Unlock()

	if startup {
		// failConnection (invoked by dispatch on our returning this
		// error) clears pending, drains the queue, and closes the
		// transport.
		return &PgError{Dict: dict}
	}
	// Withheld: the subsequent ReadyForQuery surfaces this error.
	return nil
}

func (c *Conn) handleNotice(payload []byte) error {
	dict, err := parseErrorDict(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastNotice = dict
	idle := c.pending == nil
	c.mu.Unlock()
	c.handler.HandleNotice(dict)
	if idle {
		c.notifyIdle()
	}
	return nil
}

func (c *Conn) handleParameterStatus(payload []byte) error {
	name, value, err := parseParameterStatus(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.params[name] = value
	idle := c.pending == nil
	c.mu.Unlock()
	if idle {
		c.notifyIdle()
	}
	return nil
}

func (c *Conn) handleBackendKeyData(payload []byte) error {
	pid, secret, err := parseBackendKeyData(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.backendPID = pid
	c.secretKey = secret
	c.keyDataSet = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) handleNotificationResponse(payload []byte) error {
	n, err := parseNotification(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastNotification = &n
	idle := c.pending == nil
	c.mu.Unlock()
	c.handler.HandleNotification(n)
	if idle {
		c.notifyIdle()
	}
	return nil
}

func (c *Conn) handleRowDescription(payload []byte) error {
	fields, err := parseRowDescription(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.result.applyRowDescription(fields)
	consumer := c.pending.rowConsumerOrNil()
	c.mu.Unlock()
	if consumer != nil {
		consumer.RowDescription(fields)
	}
	return nil
}

func (c *Conn) handleDataRow(payload []byte) error {
	row, err := parseDataRow(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.result.applyDataRow(row)
	consumer := c.pending.rowConsumerOrNil()
	c.mu.Unlock()
	if consumer != nil {
		consumer.DataRow(row)
	}
	return nil
}

func (c *Conn) handleCommandComplete(payload []byte) error {
	buf := wire.NewReadBuf(payload)
	raw, err := buf.ReadString()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.result.applyCommandComplete(parseCommandTag(raw))
	consumer := c.pending.rowConsumerOrNil()
	c.lastComplete = c.result
	c.result = newResult()
	c.mu.Unlock()
	if consumer != nil {
		consumer.CommandComplete(raw)
	}
	return nil
}

func (c *Conn) handleEmptyQuery(payload []byte) error {
	c.mu.Lock()
	c.lastComplete = &Result{Status: StatusEmptyQuery}
	c.result = newResult()
	c.mu.Unlock()
	return nil
}

func (c *Conn) handleFunctionCallResponse(payload []byte) error {
	buf := wire.NewReadBuf(payload)
	length, err := buf.ReadInt32()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if length < 0 {
		c.result.FunctionNull = true
	} else {
		data, err := buf.ReadBytes(int(length))
		if err != nil {
			return err
		}
		c.result.FunctionValue = append([]byte(nil), data...)
	}
	c.result.Status = StatusCommandOK
	return nil
}

func (c *Conn) handleReadyForQuery(payload []byte) error {
	if len(payload) < 1 {
		return wire.ErrInvalidMessage
	}
	status := payload[0]

	c.mu.Lock()
	c.txStatus = TxStatus(status)
	pending := c.pending
	c.pending = nil
	lastErr := c.lastError
	c.lastError = nil
	res := c.result
	if c.lastComplete != nil {
		res = c.lastComplete
	}
	c.result = newResult()
	c.lastComplete = nil
	c.activeCopyIn = nil
	c.activeCopyOut = nil
	if pending != nil && pending.kind != reqStartup {
		c.phase = PhaseReady
	}
	c.mu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.SetInFlight(0)
	}

	if pending == nil {
		c.notifyIdle()
		return nil
	}

	if len(lastErr) > 0 {
		pending.fail(&PgError{Dict: lastErr})
	} else {
		c.completeRequestSuccess(pending, res)
	}

	c.mu.Lock()
	c.requestsCompleted++
	c.mu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.ObserveRequestCompleted(res.Status)
	}

	c.mu.Lock()
	err := c.flushLocked()
	c.mu.Unlock()
	return err
}

// completeRequestSuccess fulfills pending's completion with its kind's
// success value.
func (c *Conn) completeRequestSuccess(pending *request, res *Result) {
	switch pending.kind {
	case reqStartup:
		c.mu.Lock()
		c.phase = PhaseReady
		sv := parseServerVersion(c.params["server_version"])
		c.serverVersion = sv
		params := make(map[string]string, len(c.params))
		for k, v := range c.params {
			params[k] = v
		}
		c.mu.Unlock()
		pending.loginCompletion.fulfill(params, nil)
	case reqQuery:
		pending.queryCompletion.fulfill(res, nil)
	case reqFunctionCall:
		pending.fnCompletion.fulfill(res, nil)
	case reqCopyIn:
		pending.copyInCompletion.fulfill(res, nil)
	case reqCopyOut:
		pending.copyOutCompletion.fulfill(res, nil)
	}
}

// rowConsumerOrNil returns r's row consumer, or nil for a nil receiver —
// a small convenience so handlers don't each need a pending-nil check.
func (r *request) rowConsumerOrNil() RowConsumer {
	if r == nil {
		return nil
	}
	return r.rowConsumer
}

// Close closes the transport immediately without sending Terminate. Use
// Terminate for a graceful shutdown.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.phase = PhaseBad
	c.mu.Unlock()
	return c.transport.Close()
}

// Terminate sends a Terminate message and closes the transport. The
// returned completion fulfills once the message has been written (or
// fails if the connection was already bad).
func (c *Conn) Terminate() *Completion[struct{}] {
	completion := newCompletion[struct{}]()
	r := &request{kind: reqTerminate, terminateCompletion: completion}
	if err := c.enqueue(r); err != nil {
		completion.fulfill(struct{}{}, err)
	}
	return completion
}
