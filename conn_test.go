package pglib

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pglib/pglib/wire"
)

// fakeBackend drives the server side of a net.Pipe as a hand-scripted
// Postgres backend for one scenario. Every method reports failures by
// returning an error rather than calling into *testing.T directly, since
// scenario scripts run on their own goroutine.
type fakeBackend struct {
	conn net.Conn
}

func (b *fakeBackend) readN(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(b.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readUntyped reads one untagged startup-class message: a 4-byte length
// (including itself) followed by the payload.
func (b *fakeBackend) readUntyped() ([]byte, error) {
	header, err := b.readN(4)
	if err != nil {
		return nil, err
	}
	length := int(header[0])<<24 | int(header[1])<<16 | int(header[2])<<8 | int(header[3])
	return b.readN(length - 4)
}

// readTyped reads one tagged frame: 1-byte opcode, 4-byte length, payload.
func (b *fakeBackend) readTyped() (byte, []byte, error) {
	header, err := b.readN(5)
	if err != nil {
		return 0, nil, err
	}
	opcode := header[0]
	length := int(header[1])<<24 | int(header[2])<<16 | int(header[3])<<8 | int(header[4])
	payload, err := b.readN(length - 4)
	return opcode, payload, err
}

func (b *fakeBackend) send(opcode byte, payload []byte) error {
	_, err := b.conn.Write(wire.EncodeTyped(opcode, payload))
	return err
}

// --- payload builders mirroring fields.go's parse functions exactly ---

func buildAuthOK() []byte {
	w := wire.NewWriteBuf(4)
	w.WriteInt32(wire.AuthOK)
	return w.Bytes()
}

func buildAuthMD5(salt [4]byte) []byte {
	w := wire.NewWriteBuf(8)
	w.WriteInt32(wire.AuthMD5Password)
	w.WriteBytes(salt[:])
	return w.Bytes()
}

func buildParameterStatus(name, value string) []byte {
	w := wire.NewWriteBuf(len(name) + len(value) + 2)
	w.WriteString(name)
	w.WriteString(value)
	return w.Bytes()
}

func buildBackendKeyData(pid, secret int32) []byte {
	w := wire.NewWriteBuf(8)
	w.WriteInt32(pid)
	w.WriteInt32(secret)
	return w.Bytes()
}

func buildRowDescription(fields []RowFieldDescription) []byte {
	w := wire.NewWriteBuf(64)
	w.WriteUint16(uint16(len(fields))) // #nosec G115 -- test fixture, bounded
	for _, f := range fields {
		w.WriteString(f.Name)
		w.WriteInt32(f.TableOID)
		w.WriteInt16(f.ColumnAttr)
		w.WriteInt32(f.TypeOID)
		w.WriteInt16(f.TypeSize)
		w.WriteInt32(f.TypeModifier)
		w.WriteInt16(f.FormatCode)
	}
	return w.Bytes()
}

func buildDataRow(cols [][]byte) []byte {
	w := wire.NewWriteBuf(64)
	w.WriteUint16(uint16(len(cols))) // #nosec G115 -- test fixture, bounded
	for _, c := range cols {
		if c == nil {
			w.WriteInt32(-1)
			continue
		}
		w.WriteInt32(int32(len(c))) // #nosec G115 -- test fixture, bounded
		w.WriteBytes(c)
	}
	return w.Bytes()
}

func buildCommandComplete(tag string) []byte {
	w := wire.NewWriteBuf(len(tag) + 1)
	w.WriteString(tag)
	return w.Bytes()
}

func buildErrorResponse(fields map[byte]string) []byte {
	w := wire.NewWriteBuf(64)
	for tag, val := range fields {
		w.WriteByte(tag)
		w.WriteString(val)
	}
	w.WriteByte(0)
	return w.Bytes()
}

func buildNotificationResponse(pid int32, channel, payload string) []byte {
	w := wire.NewWriteBuf(len(channel) + len(payload) + 10)
	w.WriteInt32(pid)
	w.WriteString(channel)
	w.WriteString(payload)
	return w.Bytes()
}

func buildCopyResponse(binary bool, columnCount int) []byte {
	w := wire.NewWriteBuf(8)
	if binary {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	w.WriteUint16(uint16(columnCount)) // #nosec G115 -- test fixture, bounded
	for i := 0; i < columnCount; i++ {
		w.WriteInt16(0)
	}
	return w.Bytes()
}

// newTestConn wires up a Conn over a net.Pipe, starts Serve in the
// background, and hands back the fake backend for the other end.
func newTestConn(t *testing.T, opts Options) (*Conn, *fakeBackend) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	conn := NewConn(clientSide, Addr{Network: "tcp", Address: "127.0.0.1:5432"}, opts)

	serveErr := make(chan error, 1)
	go func() { serveErr <- conn.Serve() }()

	t.Cleanup(func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
	})

	return conn, &fakeBackend{conn: serverSide}
}

// acceptTrustLogin runs a complete trust-auth login exchange against
// backend, echoing params into the reported parameter set.
func acceptTrustLogin(backend *fakeBackend, params map[string]string) error {
	if _, err := backend.readUntyped(); err != nil {
		return err
	}
	if err := backend.send(wire.MsgAuthentication, buildAuthOK()); err != nil {
		return err
	}
	for k, v := range params {
		if err := backend.send(wire.MsgParameterStatus, buildParameterStatus(k, v)); err != nil {
			return err
		}
	}
	if err := backend.send(wire.MsgBackendKeyData, buildBackendKeyData(4242, 99)); err != nil {
		return err
	}
	return backend.send(wire.MsgReadyForQuery, []byte{'I'})
}

func mustLogin(t *testing.T, conn *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestEndToEndScenarios(t *testing.T) {
	t.Run("trust login", func(t *testing.T) {
		conn, backend := newTestConn(t, Options{User: "pglib", Params: map[string]string{"database": "pglib"}})

		errCh := make(chan error, 1)
		go func() {
			errCh <- acceptTrustLogin(backend, map[string]string{"server_version": "15.3"})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		params, err := conn.Login(ctx)
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Fatalf("fake backend: %v", err)
		}

		if params["server_version"] == "" {
			t.Fatalf("expected server_version in login params, got %v", params)
		}
		if got := conn.TxStatus(); got != TxIdle {
			t.Fatalf("TxStatus = %v, want TxIdle", got)
		}
	})

	t.Run("md5 login and simple select", func(t *testing.T) {
		conn, backend := newTestConn(t, Options{User: "pglib_md5", Password: "test"})

		loginErrCh := make(chan error, 1)
		go func() {
			if _, err := backend.readUntyped(); err != nil {
				loginErrCh <- err
				return
			}
			salt := [4]byte{1, 2, 3, 4}
			if err := backend.send(wire.MsgAuthentication, buildAuthMD5(salt)); err != nil {
				loginErrCh <- err
				return
			}
			if _, _, err := backend.readTyped(); err != nil { // PasswordMessage
				loginErrCh <- err
				return
			}
			if err := backend.send(wire.MsgAuthentication, buildAuthOK()); err != nil {
				loginErrCh <- err
				return
			}
			if err := backend.send(wire.MsgParameterStatus, buildParameterStatus("server_version", "15.3")); err != nil {
				loginErrCh <- err
				return
			}
			if err := backend.send(wire.MsgBackendKeyData, buildBackendKeyData(1, 1)); err != nil {
				loginErrCh <- err
				return
			}
			loginErrCh <- backend.send(wire.MsgReadyForQuery, []byte{'I'})
		}()
		mustLogin(t, conn)
		if err := <-loginErrCh; err != nil {
			t.Fatalf("fake backend login: %v", err)
		}

		queryErrCh := make(chan error, 1)
		go func() {
			if _, _, err := backend.readTyped(); err != nil { // Query
				queryErrCh <- err
				return
			}
			fields := []RowFieldDescription{
				{Name: "x", TypeOID: 23},
				{Name: "s", TypeOID: 25},
			}
			if err := backend.send(wire.MsgRowDescription, buildRowDescription(fields)); err != nil {
				queryErrCh <- err
				return
			}
			if err := backend.send(wire.MsgDataRow, buildDataRow([][]byte{[]byte("1"), []byte("A")})); err != nil {
				queryErrCh <- err
				return
			}
			if err := backend.send(wire.MsgDataRow, buildDataRow([][]byte{[]byte("2"), []byte("B")})); err != nil {
				queryErrCh <- err
				return
			}
			if err := backend.send(wire.MsgCommandComplete, buildCommandComplete("SELECT 2")); err != nil {
				queryErrCh <- err
				return
			}
			queryErrCh <- backend.send(wire.MsgReadyForQuery, []byte{'I'})
		}()

		completion := conn.Execute("SELECT x, s FROM TestR ORDER BY x")
		res, err := completion.Wait()
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if err := <-queryErrCh; err != nil {
			t.Fatalf("fake backend query: %v", err)
		}

		if res.Status != StatusTuplesOK {
			t.Fatalf("Status = %v, want tuples-ok", res.Status)
		}
		if len(res.Fields) != 2 || res.Fields[0].Name != "x" || res.Fields[0].TypeOID != 23 ||
			res.Fields[1].Name != "s" || res.Fields[1].TypeOID != 25 {
			t.Fatalf("unexpected fields: %+v", res.Fields)
		}
		if len(res.Rows) != 2 {
			t.Fatalf("ntuples = %d, want 2", len(res.Rows))
		}
		if string(res.Rows[0][0]) != "1" || string(res.Rows[0][1]) != "A" {
			t.Fatalf("row 0 = %v", res.Rows[0])
		}
		if string(res.Rows[1][0]) != "2" || string(res.Rows[1][1]) != "B" {
			t.Fatalf("row 1 = %v", res.Rows[1])
		}
	})

	t.Run("syntax error mid transaction", func(t *testing.T) {
		conn, backend := newTestConn(t, Options{User: "pglib"})

		loginErrCh := make(chan error, 1)
		go func() { loginErrCh <- acceptTrustLogin(backend, map[string]string{"server_version": "15.3"}) }()
		mustLogin(t, conn)
		if err := <-loginErrCh; err != nil {
			t.Fatalf("fake backend login: %v", err)
		}

		queryErrCh := make(chan error, 1)
		go func() {
			if _, _, err := backend.readTyped(); err != nil { // Query
				queryErrCh <- err
				return
			}
			if err := backend.send(wire.MsgCommandComplete, buildCommandComplete("BEGIN")); err != nil {
				queryErrCh <- err
				return
			}
			if err := backend.send(wire.MsgErrorResponse, buildErrorResponse(map[byte]string{
				wire.FieldSeverity: "ERROR",
				wire.FieldCode:     "42703",
				wire.FieldMessage:  `column "xxx" does not exist`,
			})); err != nil {
				queryErrCh <- err
				return
			}
			queryErrCh <- backend.send(wire.MsgReadyForQuery, []byte{'E'})
		}()

		_, err := conn.Execute("BEGIN; SELECT xxx").Wait()
		if err == nil {
			t.Fatalf("expected PgError, got nil")
		}
		if err := <-queryErrCh; err != nil {
			t.Fatalf("fake backend query: %v", err)
		}
		pgErr, ok := err.(*PgError)
		if !ok {
			t.Fatalf("err = %T, want *PgError", err)
		}
		if pgErr.Dict.SQLState() != "42703" {
			t.Fatalf("sqlstate = %q, want 42703", pgErr.Dict.SQLState())
		}
		if got := conn.TxStatus(); got != TxInError {
			t.Fatalf("TxStatus = %v, want TxInError", got)
		}
	})

	t.Run("multi request ordering", func(t *testing.T) {
		conn, backend := newTestConn(t, Options{User: "pglib"})

		loginErrCh := make(chan error, 1)
		go func() { loginErrCh <- acceptTrustLogin(backend, map[string]string{"server_version": "15.3"}) }()
		mustLogin(t, conn)
		if err := <-loginErrCh; err != nil {
			t.Fatalf("fake backend login: %v", err)
		}

		const n = 5
		backendErrCh := make(chan error, 1)
		go func() {
			for i := 0; i < n; i++ {
				if _, _, err := backend.readTyped(); err != nil {
					backendErrCh <- err
					return
				}
				tag := buildCommandComplete("SELECT 1")
				if err := backend.send(wire.MsgRowDescription, buildRowDescription([]RowFieldDescription{{Name: "col"}})); err != nil {
					backendErrCh <- err
					return
				}
				val := []byte{byte('0' + i)}
				if err := backend.send(wire.MsgDataRow, buildDataRow([][]byte{val})); err != nil {
					backendErrCh <- err
					return
				}
				if err := backend.send(wire.MsgCommandComplete, tag); err != nil {
					backendErrCh <- err
					return
				}
				if err := backend.send(wire.MsgReadyForQuery, []byte{'I'}); err != nil {
					backendErrCh <- err
					return
				}
			}
			backendErrCh <- nil
		}()

		completions := make([]*Completion[*Result], n)
		for i := 0; i < n; i++ {
			completions[i] = conn.Execute("SELECT " + string(rune('0'+i)))
		}

		for i := 0; i < n; i++ {
			res, err := completions[i].Wait()
			if err != nil {
				t.Fatalf("completion %d: %v", i, err)
			}
			want := byte('0' + i)
			if len(res.Rows) != 1 || len(res.Rows[0]) != 1 || res.Rows[0][0][0] != want {
				t.Fatalf("completion %d out of order: rows=%v", i, res.Rows)
			}
		}
		if err := <-backendErrCh; err != nil {
			t.Fatalf("fake backend: %v", err)
		}
	})

	t.Run("notification round trip", func(t *testing.T) {
		conn, backend := newTestConn(t, Options{User: "pglib"})

		loginErrCh := make(chan error, 1)
		go func() { loginErrCh <- acceptTrustLogin(backend, map[string]string{"server_version": "15.3"}) }()
		mustLogin(t, conn)
		if err := <-loginErrCh; err != nil {
			t.Fatalf("fake backend login: %v", err)
		}

		backendErrCh := make(chan error, 1)
		go func() {
			if _, _, err := backend.readTyped(); err != nil { // Query
				backendErrCh <- err
				return
			}
			if err := backend.send(wire.MsgCommandComplete, buildCommandComplete("LISTEN")); err != nil {
				backendErrCh <- err
				return
			}
			if err := backend.send(wire.MsgCommandComplete, buildCommandComplete("NOTIFY")); err != nil {
				backendErrCh <- err
				return
			}
			if err := backend.send(wire.MsgReadyForQuery, []byte{'I'}); err != nil {
				backendErrCh <- err
				return
			}
			// The notification itself arrives asynchronously, once the
			// request that triggered it has already completed.
			backendErrCh <- backend.send(wire.MsgNotificationResponse, buildNotificationResponse(4242, "pglib", ""))
		}()

		_, err := conn.Execute("LISTEN pglib; NOTIFY pglib;").Wait()
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}

		select {
		case <-conn.Idle():
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for idle tick")
		}
		if err := <-backendErrCh; err != nil {
			t.Fatalf("fake backend: %v", err)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		conn, backend := newTestConn(t, Options{User: "pglib"})

		loginErrCh := make(chan error, 1)
		go func() { loginErrCh <- acceptTrustLogin(backend, map[string]string{"server_version": "15.3"}) }()
		mustLogin(t, conn)
		if err := <-loginErrCh; err != nil {
			t.Fatalf("fake backend login: %v", err)
		}

		handle, err := conn.GetCancel()
		if err != nil {
			t.Fatalf("GetCancel: %v", err)
		}
		if handle.BackendPID != 4242 {
			t.Fatalf("BackendPID = %d, want 4242", handle.BackendPID)
		}

		fnErrCh := make(chan error, 1)
		go func() {
			if _, _, err := backend.readTyped(); err != nil { // FunctionCall
				fnErrCh <- err
				return
			}
			if err := backend.send(wire.MsgErrorResponse, buildErrorResponse(map[byte]string{
				wire.FieldSeverity: "ERROR",
				wire.FieldCode:     wire.SQLStateQueryCanceled,
				wire.FieldMessage:  "canceling statement due to user request",
			})); err != nil {
				fnErrCh <- err
				return
			}
			fnErrCh <- backend.send(wire.MsgReadyForQuery, []byte{'I'})
		}()

		fnCompletion := conn.Fn(9999, 0, []byte("0"))

		var cancelDialed *Addr
		dialer := Dialer(func(ctx context.Context, addr Addr) (Transport, error) {
			cancelDialed = &addr
			return &discardTransport{}, nil
		})
		if err := Cancel(context.Background(), dialer, handle); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if cancelDialed == nil || cancelDialed.Address != handle.Address.Address {
			t.Fatalf("Cancel dialed %v, want %v", cancelDialed, handle.Address)
		}

		_, err = fnCompletion.Wait()
		if err == nil {
			t.Fatalf("expected PgError from cancellation, got nil")
		}
		if err := <-fnErrCh; err != nil {
			t.Fatalf("fake backend: %v", err)
		}
		pgErr, ok := err.(*PgError)
		if !ok {
			t.Fatalf("err = %T, want *PgError", err)
		}
		if pgErr.Dict.SQLState() != wire.SQLStateQueryCanceled {
			t.Fatalf("sqlstate = %q, want %q", pgErr.Dict.SQLState(), wire.SQLStateQueryCanceled)
		}
	})

	t.Run("empty query", func(t *testing.T) {
		conn, backend := newTestConn(t, Options{User: "pglib"})

		loginErrCh := make(chan error, 1)
		go func() { loginErrCh <- acceptTrustLogin(backend, map[string]string{"server_version": "15.3"}) }()
		mustLogin(t, conn)
		if err := <-loginErrCh; err != nil {
			t.Fatalf("fake backend login: %v", err)
		}

		backendErrCh := make(chan error, 1)
		go func() {
			if _, _, err := backend.readTyped(); err != nil { // Query
				backendErrCh <- err
				return
			}
			if err := backend.send(wire.MsgEmptyQueryResponse, nil); err != nil {
				backendErrCh <- err
				return
			}
			backendErrCh <- backend.send(wire.MsgReadyForQuery, []byte{'I'})
		}()

		res, err := conn.Execute("").Wait()
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if err := <-backendErrCh; err != nil {
			t.Fatalf("fake backend: %v", err)
		}
		if res.Status != StatusEmptyQuery {
			t.Fatalf("Status = %v, want empty-query", res.Status)
		}
	})

	t.Run("copy out", func(t *testing.T) {
		conn, backend := newTestConn(t, Options{User: "pglib"})

		loginErrCh := make(chan error, 1)
		go func() { loginErrCh <- acceptTrustLogin(backend, map[string]string{"server_version": "15.3"}) }()
		mustLogin(t, conn)
		if err := <-loginErrCh; err != nil {
			t.Fatalf("fake backend login: %v", err)
		}

		backendErrCh := make(chan error, 1)
		go func() {
			if _, _, err := backend.readTyped(); err != nil { // Query
				backendErrCh <- err
				return
			}
			if err := backend.send(wire.MsgCopyOutResponse, buildCopyResponse(false, 2)); err != nil {
				backendErrCh <- err
				return
			}
			chunks := []string{"1|pglib\n", "2|manlio\n", "3|perillo\n"}
			for _, chunk := range chunks {
				if err := backend.send(wire.MsgCopyData, []byte(chunk)); err != nil {
					backendErrCh <- err
					return
				}
			}
			if err := backend.send(wire.MsgCopyDone, nil); err != nil {
				backendErrCh <- err
				return
			}
			if err := backend.send(wire.MsgCommandComplete, buildCommandComplete("COPY 3")); err != nil {
				backendErrCh <- err
				return
			}
			backendErrCh <- backend.send(wire.MsgReadyForQuery, []byte{'I'})
		}()

		consumer := &bufferCopyOutConsumer{}
		res, err := conn.ExecuteCopyOut("COPY TestCopyR TO STDOUT WITH delimiter '|'", consumer).Wait()
		if err != nil {
			t.Fatalf("ExecuteCopyOut: %v", err)
		}
		if err := <-backendErrCh; err != nil {
			t.Fatalf("fake backend: %v", err)
		}

		if res.Status != StatusCopyOut {
			t.Fatalf("Status = %v, want copy-out", res.Status)
		}
		if res.CommandTag != "COPY" {
			t.Fatalf("CommandTag = %q, want %q", res.CommandTag, "COPY")
		}
		if res.RowsAffected != 3 {
			t.Fatalf("RowsAffected = %d, want 3", res.RowsAffected)
		}
		want := "1|pglib\n2|manlio\n3|perillo\n"
		if consumer.String() != want {
			t.Fatalf("copy-out data = %q, want %q", consumer.String(), want)
		}
		if !consumer.closed {
			t.Fatalf("consumer was never closed")
		}
	})
}

// discardTransport is a no-op Transport used only to exercise Cancel's
// dial/write/close path without a real socket.
type discardTransport struct{}

func (discardTransport) Read(p []byte) (int, error)  { return 0, io.EOF }
func (discardTransport) Write(p []byte) (int, error) { return len(p), nil }
func (discardTransport) Close() error                { return nil }

// bufferCopyOutConsumer accumulates every chunk written to it, for
// asserting exact Copy-Out byte content.
type bufferCopyOutConsumer struct {
	data   []byte
	closed bool
}

func (c *bufferCopyOutConsumer) Describe(columnCount int, binary bool) {}
func (c *bufferCopyOutConsumer) Write(chunk []byte) error {
	c.data = append(c.data, chunk...)
	return nil
}
func (c *bufferCopyOutConsumer) Close() error {
	c.closed = true
	return nil
}
func (c *bufferCopyOutConsumer) String() string { return string(c.data) }
