package pglib

// applyRowDescription attaches parsed column metadata to a growing
// Result, starting a fresh row set: in a multi-statement simple query, a
// RowDescription always introduces a new statement's tuples.
func (r *Result) applyRowDescription(fields []RowFieldDescription) {
	r.Fields = fields
	r.Rows = nil
	if len(fields) > 0 {
		for _, f := range fields {
			if f.FormatCode == 1 {
				r.BinaryTuples = true
				break
			}
		}
	}
}

// applyDataRow appends one row to a growing Result.
func (r *Result) applyDataRow(row Row) {
	r.Rows = append(r.Rows, row)
}

// applyCommandComplete folds a parsed command tag into a growing Result.
// When fields were already attached by a RowDescription, the query
// returned tuples; otherwise it was a plain command. A Status already set
// to CopyIn/CopyOut by the copy sub-protocol is left alone — the tag that
// follows a copy only carries the row count.
func (r *Result) applyCommandComplete(tag commandTag) {
	r.CommandTag = tag.Command
	r.RowsAffected = tag.Rows
	r.InsertOID = tag.OID
	switch r.Status {
	case StatusCopyIn, StatusCopyOut:
		return
	}
	if len(r.Fields) > 0 || len(r.Rows) > 0 {
		r.Status = StatusTuplesOK
	} else {
		r.Status = StatusCommandOK
	}
}
