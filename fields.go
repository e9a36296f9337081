package pglib

import (
	"strconv"
	"strings"

	"github.com/pglib/pglib/wire"
)

// parseErrorDict decodes an ErrorResponse/NoticeResponse payload: a
// sequence of <tag-byte><utf8-bytes><NUL> records terminated by an empty
// record (a lone NUL).
func parseErrorDict(payload []byte) (ErrorDict, error) {
	buf := wire.NewReadBuf(payload)
	dict := make(ErrorDict)
	for {
		tag, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		if tag == 0 {
			return dict, nil
		}
		value, err := buf.ReadString()
		if err != nil {
			return nil, err
		}
		dict[tag] = value
	}
}

// parseRowDescription decodes a RowDescription payload: a u16 field count
// followed by, per field, a NUL-terminated name and 18 fixed bytes.
func parseRowDescription(payload []byte) ([]RowFieldDescription, error) {
	buf := wire.NewReadBuf(payload)
	count, err := buf.ReadUint16()
	if err != nil {
		return nil, err
	}

	fields := make([]RowFieldDescription, 0, count)
	for i := uint16(0); i < count; i++ {
		name, err := buf.ReadString()
		if err != nil {
			return nil, err
		}
		tableOID, err := buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		colAttr, err := buf.ReadInt16()
		if err != nil {
			return nil, err
		}
		typeOID, err := buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		typeSize, err := buf.ReadInt16()
		if err != nil {
			return nil, err
		}
		typeMod, err := buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		formatCode, err := buf.ReadInt16()
		if err != nil {
			return nil, err
		}
		fields = append(fields, RowFieldDescription{
			Name:         name,
			TableOID:     tableOID,
			ColumnAttr:   colAttr,
			TypeOID:      typeOID,
			TypeSize:     typeSize,
			TypeModifier: typeMod,
			FormatCode:   formatCode,
		})
	}
	return fields, nil
}

// parseDataRow decodes a DataRow payload: a u16 column count, then per
// column an i32 length (-1 = null) followed by that many raw bytes.
func parseDataRow(payload []byte) (Row, error) {
	buf := wire.NewReadBuf(payload)
	count, err := buf.ReadUint16()
	if err != nil {
		return nil, err
	}

	row := make(Row, count)
	for i := uint16(0); i < count; i++ {
		length, err := buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		if length < 0 {
			row[i] = nil
			continue
		}
		data, err := buf.ReadBytes(int(length))
		if err != nil {
			return nil, err
		}
		row[i] = append([]byte(nil), data...)
	}
	return row, nil
}

// commandTag is the parsed form of a CommandComplete tag string, which is
// "<CMD>", "<CMD> <rows>", or "<CMD> <oid> <rows>" (the three-token form
// used by INSERT).
type commandTag struct {
	Command string
	OID     int64
	Rows    int64
}

func parseCommandTag(raw string) commandTag {
	tokens := strings.Fields(raw)
	tag := commandTag{}
	switch len(tokens) {
	case 0:
		return tag
	case 1:
		tag.Command = tokens[0]
	case 2:
		tag.Command = tokens[0]
		tag.Rows, _ = strconv.ParseInt(tokens[1], 10, 64)
	default:
		tag.Command = tokens[0]
		tag.OID, _ = strconv.ParseInt(tokens[1], 10, 64)
		tag.Rows, _ = strconv.ParseInt(tokens[2], 10, 64)
	}
	return tag
}

// parseParameterStatus decodes a ParameterStatus payload: two
// NUL-terminated strings, name then value.
func parseParameterStatus(payload []byte) (name, value string, err error) {
	buf := wire.NewReadBuf(payload)
	name, err = buf.ReadString()
	if err != nil {
		return "", "", err
	}
	value, err = buf.ReadString()
	if err != nil {
		return "", "", err
	}
	return name, value, nil
}

// parseBackendKeyData decodes a BackendKeyData payload: two big-endian
// 32-bit integers, pid then secret key.
func parseBackendKeyData(payload []byte) (pid, secret int32, err error) {
	buf := wire.NewReadBuf(payload)
	pid, err = buf.ReadInt32()
	if err != nil {
		return 0, 0, err
	}
	secret, err = buf.ReadInt32()
	if err != nil {
		return 0, 0, err
	}
	return pid, secret, nil
}

// parseNotification decodes a NotificationResponse payload: a u32 pid,
// then two NUL-terminated strings (channel, payload).
func parseNotification(payload []byte) (Notification, error) {
	buf := wire.NewReadBuf(payload)
	pidU, err := buf.ReadUint32()
	if err != nil {
		return Notification{}, err
	}
	channel, err := buf.ReadString()
	if err != nil {
		return Notification{}, err
	}
	extra, err := buf.ReadString()
	if err != nil {
		return Notification{}, err
	}
	return Notification{PID: int32(pidU), Channel: channel, Payload: extra}, nil // #nosec G115 -- pid fits in int32
}

// parseServerVersion turns a "server_version" parameter string like
// "15.3" or "9.6.24" into major*10000 + minor*100 + patch, per spec.
func parseServerVersion(s string) int {
	// Keep only the leading numeric dotted components; trailing text such
	// as " (Debian 15.3-1)" is common on real servers.
	end := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	parts := strings.Split(s[:end], ".")
	nums := make([]int, 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			continue
		}
		nums[i] = n
	}
	return nums[0]*10000 + nums[1]*100 + nums[2]
}
