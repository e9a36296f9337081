package pglib

import (
	"errors"
	"io"

	"github.com/pglib/pglib/wire"
)

// ExecuteCopyIn submits a COPY ... FROM STDIN query and drives producer
// to supply its data once the backend confirms with CopyInResponse.
// producer must be ready to produce before calling this: the backend may
// reply before this call returns.
func (c *Conn) ExecuteCopyIn(sql string, producer CopyInProducer) *Completion[*Result] {
	completion := newCompletion[*Result]()
	r := &request{
		kind:             reqCopyIn,
		opcode:           wire.MsgQuery,
		payload:          wire.BuildQuery(sql),
		copyInCompletion: completion,
		copyInProducer:   producer,
	}
	if err := c.enqueue(r); err != nil {
		completion.fulfill(nil, err)
	}
	return completion
}

// ExecuteCopyOut submits a COPY ... TO STDOUT query and streams every
// chunk the backend sends to consumer.
func (c *Conn) ExecuteCopyOut(sql string, consumer CopyOutConsumer) *Completion[*Result] {
	completion := newCompletion[*Result]()
	r := &request{
		kind:              reqCopyOut,
		opcode:            wire.MsgQuery,
		payload:           wire.BuildQuery(sql),
		copyOutCompletion: completion,
		copyOutConsumer:   consumer,
	}
	if err := c.enqueue(r); err != nil {
		completion.fulfill(nil, err)
	}
	return completion
}

func (c *Conn) handleCopyInResponse(payload []byte) error {
	columnCount, binary, err := parseCopyResponse(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.result.Status = StatusCopyIn
	producer := c.activeCopyIn
	c.mu.Unlock()

	if producer == nil {
		// No producer registered: fail this request, matching the
		// "no producer available" failure semantics, and let the
		// backend's own error handling unwind the transaction.
		failErr := &UnsupportedError{Feature: "COPY FROM STDIN with no registered producer"}
		c.mu.Lock()
		err := c.sendLocked(wire.MsgCopyFail, wire.BuildCopyFail(failErr.Error()))
		c.mu.Unlock()
		return err
	}

	producer.Describe(columnCount, binary)
	return c.pumpCopyIn(producer)
}

// pumpCopyIn pulls chunks from producer until it signals completion
// (an io.EOF error) or failure, sending each as CopyData and finishing
// with CopyDone or CopyFail.
func (c *Conn) pumpCopyIn(producer CopyInProducer) error {
	for {
		chunk, err := producer.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if cerr := producer.Close(); cerr != nil {
					c.mu.Lock()
					sendErr := c.sendLocked(wire.MsgCopyFail, wire.BuildCopyFail(cerr.Error()))
					c.mu.Unlock()
					return sendErr
				}
				c.mu.Lock()
				sendErr := c.sendLocked(wire.MsgCopyDone, nil)
				c.mu.Unlock()
				return sendErr
			}
			_ = producer.Close()
			c.mu.Lock()
			sendErr := c.sendLocked(wire.MsgCopyFail, wire.BuildCopyFail(err.Error()))
			c.mu.Unlock()
			return sendErr
		}
		c.mu.Lock()
		sendErr := c.sendLocked(wire.MsgCopyData, wire.BuildCopyData(chunk))
		c.mu.Unlock()
		if sendErr != nil {
			_ = producer.Close()
			return sendErr
		}
	}
}

func (c *Conn) handleCopyOutResponse(payload []byte) error {
	columnCount, binary, err := parseCopyResponse(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.result.Status = StatusCopyOut
	consumer := c.activeCopyOut
	c.mu.Unlock()

	if consumer != nil {
		consumer.Describe(columnCount, binary)
	}
	return nil
}

func (c *Conn) handleCopyData(payload []byte) error {
	c.mu.Lock()
	consumer := c.activeCopyOut
	c.mu.Unlock()

	if consumer == nil {
		return nil
	}
	if err := consumer.Write(payload); err != nil {
		// A consumer error does not abort the copy stream; it is
		// logged and the backend continues to drive CopyData/CopyDone
		// on its own schedule.
		c.logger.Error("copy-out consumer write failed", "err", err)
	}
	return nil
}

func (c *Conn) handleCopyDone(payload []byte) error {
	c.mu.Lock()
	consumer := c.activeCopyOut
	c.activeCopyOut = nil
	c.mu.Unlock()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			c.logger.Error("copy-out consumer close failed", "err", err)
		}
	}
	return nil
}

// parseCopyResponse decodes a CopyInResponse/CopyOutResponse payload: a
// format-code byte (0=text, 1=binary), a u16 column count, then one
// format-code int16 per column (unused here — every column shares the
// overall format in the cases this engine drives).
func parseCopyResponse(payload []byte) (columnCount int, binary bool, err error) {
	buf := wire.NewReadBuf(payload)
	format, err := buf.ReadByte()
	if err != nil {
		return 0, false, err
	}
	count, err := buf.ReadUint16()
	if err != nil {
		return 0, false, err
	}
	for i := uint16(0); i < count; i++ {
		if _, err := buf.ReadInt16(); err != nil {
			return 0, false, err
		}
	}
	return int(count), format == 1, nil
}
