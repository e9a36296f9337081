package pglib

import "github.com/pglib/pglib/wire"

// Fn invokes a backend function through the fast-path sub-protocol,
// bypassing SQL parsing entirely. args and the single return value all
// share formatCode (0 text, 1 binary).
func (c *Conn) Fn(oid int32, formatCode int16, args ...[]byte) *Completion[*Result] {
	completion := newCompletion[*Result]()
	r := &request{
		kind:         reqFunctionCall,
		opcode:       wire.MsgFunctionCall,
		payload:      wire.BuildFunctionCall(oid, formatCode, args, formatCode),
		fnCompletion: completion,
	}
	if err := c.enqueue(r); err != nil {
		completion.fulfill(nil, err)
	}
	return completion
}
