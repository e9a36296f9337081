package wire

// BuildStartupMessage encodes the payload of a StartupMessage: protocol
// version followed by NUL-terminated key/value pairs, terminated by an
// empty key. Frame with EncodeUntyped, not EncodeTyped.
func BuildStartupMessage(params map[string]string) []byte {
	w := NewWriteBuf(64)
	w.WriteInt32(ProtocolVersionNumber)
	for k, v := range params {
		w.WriteString(k)
		w.WriteString(v)
	}
	w.WriteByte(0)
	return w.Bytes()
}

// BuildSSLRequest encodes the 4-byte payload of an SSLRequest. Frame with
// EncodeUntyped for the full 8-byte message.
func BuildSSLRequest() []byte {
	w := NewWriteBuf(4)
	w.WriteInt32(SSLRequestCode)
	return w.Bytes()
}

// BuildCancelRequest encodes the 12-byte payload of a CancelRequest. Frame
// with EncodeUntyped for the full 16-byte message.
func BuildCancelRequest(pid, secretKey int32) []byte {
	w := NewWriteBuf(12)
	w.WriteInt32(CancelRequestCode)
	w.WriteInt32(pid)
	w.WriteInt32(secretKey)
	return w.Bytes()
}

// BuildPasswordMessage encodes a PasswordMessage payload: a NUL-terminated
// response string (cleartext or the "md5..." digest).
func BuildPasswordMessage(response string) []byte {
	w := NewWriteBuf(len(response) + 1)
	w.WriteString(response)
	return w.Bytes()
}

// BuildQuery encodes a simple-query payload: a NUL-terminated SQL string.
func BuildQuery(sql string) []byte {
	w := NewWriteBuf(len(sql) + 1)
	w.WriteString(sql)
	return w.Bytes()
}

// BuildCopyData encodes a CopyData payload: raw bytes, no framing of their
// own beyond the enclosing message.
func BuildCopyData(data []byte) []byte {
	return data
}

// BuildCopyFail encodes a CopyFail payload: a NUL-terminated error message.
func BuildCopyFail(message string) []byte {
	w := NewWriteBuf(len(message) + 1)
	w.WriteString(message)
	return w.Bytes()
}

// BuildFunctionCall encodes an 'F' fast-path FunctionCall payload. All
// arguments and the result use the same format code.
func BuildFunctionCall(oid int32, formatCode int16, args [][]byte, resultFormat int16) []byte {
	w := NewWriteBuf(16 + 8*len(args))
	w.WriteInt32(oid)
	w.WriteInt16(1) // arg format code count
	w.WriteInt16(formatCode)
	w.WriteInt16(int16(len(args))) // #nosec G115 -- arg count is caller-bounded
	for _, arg := range args {
		if arg == nil {
			w.WriteInt32(-1)
			continue
		}
		w.WriteInt32(int32(len(arg))) // #nosec G115 -- bounded by MaxMessageSize
		w.WriteBytes(arg)
	}
	w.WriteInt16(resultFormat)
	return w.Bytes()
}
