package pglib

import (
	"context"
	"errors"
	"fmt"

	"github.com/pglib/pglib/wire"
)

// GetCancel snapshots what Cancel needs: the address this connection was
// built against and the backend key data captured during login. It never
// touches the request queue and is safe to call from any goroutine at
// any time after BackendKeyData has arrived.
func (c *Conn) GetCancel() (CancelHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.keyDataSet {
		return CancelHandle{}, fmt.Errorf("pglib: GetCancel called before BackendKeyData arrived")
	}
	return CancelHandle{
		Address:    c.addr,
		BackendPID: c.backendPID,
		SecretKey:  c.secretKey,
	}, nil
}

// Cancel opens a new, parallel transport to handle's address via dialer,
// sends CancelRequest, and closes it without waiting for a reply — the
// protocol gives none. A dial that runs past ctx's deadline returns a
// TimeoutError; any other dial or write failure returns a TransportError.
// A delivered CancelRequest is not a guarantee the target query actually
// stops; it may already have finished.
func Cancel(ctx context.Context, dialer Dialer, handle CancelHandle) error {
	if dialer == nil {
		return fmt.Errorf("pglib: Cancel requires a Dialer")
	}
	transport, err := dialer(ctx, handle.Address)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Err: err}
		}
		return &TransportError{Err: err}
	}
	defer func() { _ = transport.Close() }()

	frame := wire.EncodeUntyped(wire.BuildCancelRequest(handle.BackendPID, handle.SecretKey))
	if _, err := transport.Write(frame); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
