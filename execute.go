package pglib

import "github.com/pglib/pglib/wire"

// Execute submits a simple-query request and returns a completion for its
// Result. Only one Result survives per call even when sql contains
// multiple statements; register a RowConsumer via ExecuteWithConsumer to
// observe every intermediate statement's rows as they arrive.
func (c *Conn) Execute(sql string) *Completion[*Result] {
	return c.executeQuery(sql, nil)
}

// ExecuteWithConsumer is Execute, additionally streaming every
// RowDescription/DataRow/CommandComplete this query produces to consumer
// as they arrive, rather than only exposing the final Result.
func (c *Conn) ExecuteWithConsumer(sql string, consumer RowConsumer) *Completion[*Result] {
	return c.executeQuery(sql, consumer)
}

func (c *Conn) executeQuery(sql string, consumer RowConsumer) *Completion[*Result] {
	completion := newCompletion[*Result]()
	r := &request{
		kind:            reqQuery,
		opcode:          wire.MsgQuery,
		payload:         wire.BuildQuery(sql),
		queryCompletion: completion,
		rowConsumer:     consumer,
	}
	if err := c.enqueue(r); err != nil {
		completion.fulfill(nil, err)
	}
	return completion
}
