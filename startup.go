package pglib

import (
	"context"
	"fmt"

	"github.com/pglib/pglib/auth"
	"github.com/pglib/pglib/wire"
)

// negotiationResult carries the single-byte encryption reply. The
// completion that delivers it (Conn.negotiation) is held only while
// PhaseEncryptionNegotiating is active, since at most one negotiation
// ever happens per connection.
type negotiationResult struct {
	reply byte
}

// Login drives the connection from Transport-Made through optional
// encryption negotiation, StartupMessage, and the authentication
// submachine, to Ready. It returns the backend's final parameter set.
// Login must be called before any other request-issuing method, and
// Serve must already be running in its own goroutine so replies can be
// read.
func (c *Conn) Login(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	if c.phase != PhaseTransportMade {
		c.mu.Unlock()
		return nil, fmt.Errorf("pglib: Login called in phase %s", c.phase)
	}
	encrypt := c.opts.Encryption == EncryptionPrefer || c.opts.Encryption == EncryptionRequire
	c.mu.Unlock()

	if encrypt {
		if err := c.negotiateEncryption(ctx); err != nil {
			return nil, err
		}
	}

	params := make(map[string]string, len(c.opts.Params)+1)
	for k, v := range c.opts.Params {
		params[k] = v
	}
	if c.opts.User != "" {
		params["user"] = c.opts.User
	}
	payload := wire.BuildStartupMessage(params)

	completion := newCompletion[map[string]string]()
	r := &request{kind: reqStartup, payload: payload, loginCompletion: completion}

	c.mu.Lock()
	c.phase = PhaseAwaitingResponse
	c.mu.Unlock()

	if err := c.enqueue(r); err != nil {
		return nil, err
	}

	select {
	case <-completion.Done():
		return completion.Wait()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// negotiateEncryption sends SSLRequest and blocks for the single-byte
// reply, upgrading the transport on 'S' via opts.Upgrade.
func (c *Conn) negotiateEncryption(ctx context.Context) error {
	completion := newCompletion[negotiationResult]()

	c.mu.Lock()
	c.phase = PhaseEncryptionNegotiating
	c.decoder.SetNegotiating(true)
	c.negotiation = completion
	err := c.sendUntypedLocked(wire.BuildSSLRequest())
	c.mu.Unlock()
	if err != nil {
		return err
	}

	var reply negotiationResult
	select {
	case <-completion.Done():
		var werr error
		reply, werr = completion.Wait()
		if werr != nil {
			return werr
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.decoder.SetNegotiating(false)
	c.negotiation = nil
	c.mu.Unlock()

	switch reply.reply {
	case 'N':
		if c.opts.Encryption == EncryptionRequire {
			err := &UnsupportedError{Feature: "server refused encryption"}
			c.failConnection(err)
			return err
		}
		c.mu.Lock()
		c.phase = PhaseTransportMade
		c.mu.Unlock()
		return nil
	case 'S':
		if c.opts.Upgrade == nil {
			err := &UnsupportedError{Feature: "transport lacks TLS capability"}
			c.failConnection(err)
			return err
		}
		upgraded, uerr := c.opts.Upgrade(c.transport)
		if uerr != nil {
			terr := &TransportError{Err: uerr}
			c.failConnection(terr)
			return terr
		}
		c.mu.Lock()
		c.transport = upgraded
		c.phase = PhaseTransportMade
		c.mu.Unlock()
		return nil
	default:
		err := &InvalidRequest{Opcode: reply.reply}
		c.failConnection(err)
		return err
	}
}

// handleEncryptionReply services the single-byte 'S'/'N' reply while the
// decoder is in negotiating mode.
func (c *Conn) handleEncryptionReply(opcode byte) error {
	c.mu.Lock()
	completion := c.negotiation
	c.mu.Unlock()
	if completion == nil {
		return nil
	}
	completion.fulfill(negotiationResult{reply: opcode}, nil)
	return nil
}

// handleAuthentication services the authentication submachine: OK ends
// it, Cleartext/MD5 answer in kind, anything else is fatal since only
// those three sub-codes are supported.
func (c *Conn) handleAuthentication(payload []byte) error {
	buf := wire.NewReadBuf(payload)
	subCode, err := buf.ReadInt32()
	if err != nil {
		return err
	}

	switch subCode {
	case wire.AuthOK:
		c.mu.Lock()
		c.phase = PhaseAuthenticationOK
		c.mu.Unlock()
		return nil

	case wire.AuthCleartextPassword:
		if c.opts.Password == "" {
			err := &AuthenticationError{Reason: auth.ErrPasswordRequired.Error()}
			c.observeAuthFailure()
			c.failConnection(err)
			return err
		}
		return c.respondAuth(auth.CleartextResponse(c.opts.Password))

	case wire.AuthMD5Password:
		if c.opts.Password == "" {
			err := &AuthenticationError{Reason: auth.ErrPasswordRequired.Error()}
			c.observeAuthFailure()
			c.failConnection(err)
			return err
		}
		saltBytes, err := buf.ReadBytes(4)
		if err != nil {
			return err
		}
		var salt [4]byte
		copy(salt[:], saltBytes)
		response := auth.MD5Password(c.opts.User, c.opts.Password, salt)
		return c.respondAuth(response)

	default:
		uerr := &UnsupportedError{Feature: fmt.Sprintf("authentication method %d", subCode)}
		c.observeAuthFailure()
		c.failConnection(uerr)
		return uerr
	}
}

func (c *Conn) observeAuthFailure() {
	if c.opts.Metrics != nil {
		c.opts.Metrics.ObserveAuthFailure()
	}
}

func (c *Conn) respondAuth(response string) error {
	msg := wire.BuildPasswordMessage(response)
	c.mu.Lock()
	err := c.sendLocked(wire.MsgPassword, msg)
	c.mu.Unlock()
	return err
}
