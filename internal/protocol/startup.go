package protocol

import (
	"encoding/binary"
	"fmt"
)

// ParseStartupParams extracts the null-terminated key/value parameter
// list that follows the 4-byte protocol version in a startup message
// payload. Grounded on the teacher's readStartupMessage parameter loop.
func ParseStartupParams(payload []byte) map[string]string {
	params := make(map[string]string)
	if len(payload) < 4 {
		return params
	}
	data := payload[4:]
	for len(data) > 1 {
		keyEnd := indexByte(data, 0)
		if keyEnd < 0 {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := indexByte(data, 0)
		if valEnd < 0 {
			break
		}
		value := string(data[:valEnd])
		data = data[valEnd+1:]

		if key != "" {
			params[key] = value
		}
	}
	return params
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// ProtocolVersion returns the 4-byte version/code field of an untyped
// startup-phase frame.
func ProtocolVersion(payload []byte) uint32 {
	if len(payload) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(payload[:4])
}

// BuildStartupMessage constructs a v3.0 startup message for the given
// parameters ("user" and "database", when present in params, are
// written first).
func BuildStartupMessage(params map[string]string) []byte {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, StartupProtocolVersion)
	body = append(body, ver...)

	for _, k := range []string{"user", "database"} {
		if v, ok := params[k]; ok {
			body = appendParam(body, k, v)
		}
	}
	for k, v := range params {
		if k == "user" || k == "database" {
			continue
		}
		body = appendParam(body, k, v)
	}
	body = append(body, 0)

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)))
	copy(msg[4:], body)
	return msg
}

func appendParam(body []byte, key, val string) []byte {
	body = append(body, key...)
	body = append(body, 0)
	body = append(body, val...)
	body = append(body, 0)
	return body
}

// ParseNullTerminatedPair parses a "key\0value\0" buffer, as used by
// ParameterStatus messages.
func ParseNullTerminatedPair(data []byte) (string, string) {
	i := indexByte(data, 0)
	if i < 0 {
		return "", ""
	}
	key := string(data[:i])
	rest := data[i+1:]
	j := indexByte(rest, 0)
	if j < 0 {
		return key, string(rest)
	}
	return key, string(rest[:j])
}

// ErrorFields extracts the named fields of an ErrorResponse/NoticeResponse
// payload (a sequence of byte-tag + null-terminated string, zero-terminated).
func ErrorFields(payload []byte) map[byte]string {
	fields := make(map[byte]string)
	i := 0
	for i < len(payload) {
		tag := payload[i]
		if tag == 0 {
			break
		}
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		fields[tag] = string(payload[start:i])
		i++
	}
	return fields
}

// BuildErrorResponse builds an ErrorResponse payload from severity, SQLSTATE
// code, and message — the fields the client actually needs.
func BuildErrorResponse(severity, code, message string) []byte {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0)
	return buf
}

// IsFatalError reports whether an ErrorResponse payload's severity field
// is FATAL or PANIC — the condition that forces a performance-pipeline
// worker to kill its slot (spec §4.5.1).
func IsFatalError(payload []byte) bool {
	fields := ErrorFields(payload)
	sev := fields['S']
	return sev == "FATAL" || sev == "PANIC"
}

// ErrorMessage extracts just the human-readable 'M' field, falling back
// to a generic message when absent.
func ErrorMessage(payload []byte) string {
	if m, ok := ErrorFields(payload)['M']; ok {
		return m
	}
	return fmt.Sprintf("unknown error (%d byte payload)", len(payload))
}
