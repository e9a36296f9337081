package pglib

// requestKind identifies which of the caller-facing operations a queued
// request represents.
type requestKind int

const (
	reqStartup requestKind = iota
	reqQuery
	reqFunctionCall
	reqCopyIn
	reqCopyOut
	reqTerminate
)

// request is one caller intent waiting for, or occupying, the single
// in-flight slot. Exactly one of the completion fields is set, matching
// the request's kind.
type request struct {
	kind   requestKind
	opcode byte // wire opcode to frame payload with; unused for reqStartup
	payload []byte

	loginCompletion     *Completion[map[string]string]
	queryCompletion     *Completion[*Result]
	fnCompletion        *Completion[*Result]
	copyInCompletion    *Completion[*Result]
	copyOutCompletion   *Completion[*Result]
	terminateCompletion *Completion[struct{}]

	rowConsumer     RowConsumer
	copyInProducer  CopyInProducer
	copyOutConsumer CopyOutConsumer
}

// fail fulfills whichever completion this request holds with err.
func (r *request) fail(err error) {
	switch {
	case r.loginCompletion != nil:
		r.loginCompletion.fulfill(nil, err)
	case r.queryCompletion != nil:
		r.queryCompletion.fulfill(nil, err)
	case r.fnCompletion != nil:
		r.fnCompletion.fulfill(nil, err)
	case r.copyInCompletion != nil:
		r.copyInCompletion.fulfill(nil, err)
	case r.copyOutCompletion != nil:
		r.copyOutCompletion.fulfill(nil, err)
	case r.terminateCompletion != nil:
		r.terminateCompletion.fulfill(struct{}{}, err)
	}
}

// requestQueue is a plain FIFO. The connection's mutex, not this type,
// guards concurrent access — it holds no lock of its own.
type requestQueue struct {
	items []*request
}

func (q *requestQueue) push(r *request) {
	q.items = append(q.items, r)
}

func (q *requestQueue) pop() *request {
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r
}

func (q *requestQueue) len() int {
	return len(q.items)
}

// drain empties the queue, failing every request with err. Used when the
// connection transitions to Bad.
func (q *requestQueue) drain(err error) {
	for _, r := range q.items {
		r.fail(err)
	}
	q.items = nil
}
