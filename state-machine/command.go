package state_machine

import (
	"encoding/binary"
	"fmt"
)

type cmdKind uint8

const (
	cmdSet cmdKind = iota
	cmdGet
	cmdSnap
	cmdLoad
)

const (
	maxKeyLen   = 1024
	maxValueLen = 1024 * 1024
)

type command struct {
	kind  cmdKind
	key   string
	value string
}

// readOnly reports whether the command leaves the state machine untouched
func (c command) readOnly() bool {
	return c.kind == cmdGet || c.kind == cmdSnap
}

// decodeCmd decodes a command from a byte slice
/*
	command itself is encoded in bytes as follows:
	[0]     			               - cmdKind
	[1..5] 				   			   - keyLen, uint32
	[5..5+keyLen] 	   	   			   - key
	[5+keyLen..5+keyLen+4] 			   - valueLen, uint32 (SET only)
	[5+keyLen+4 - 5+keyLen+4+valueLen] - value (SET only)

	SNAP is the kind byte alone, LOAD is the kind byte followed by
	[1..5] dataLen, uint32 and the snapshot data.
*/
func decodeCmd(msg []byte) (command, error) {
	var cmd command

	if len(msg) < 1 {
		return cmd, fmt.Errorf("empty command")
	}

	cmd.kind = cmdKind(msg[0])

	switch cmd.kind {
	case cmdSnap:
		return cmd, nil

	case cmdLoad:
		if len(msg) < 5 {
			return cmd, fmt.Errorf("message too short for data length")
		}

		var dataLen = int(binary.BigEndian.Uint32(msg[1:5]))
		if len(msg) != 5+dataLen {
			return cmd, fmt.Errorf("incomplete message for data: need %d, got %d", 5+dataLen, len(msg))
		}

		cmd.value = string(msg[5:])
		return cmd, nil

	case cmdSet, cmdGet:

	default:
		return cmd, fmt.Errorf("unsupported command kind: %d", cmd.kind)
	}

	// minimum length is 5 bytes (1 byte for cmdKind and 4 bytes for keyLen)
	if len(msg) < 5 {
		return cmd, fmt.Errorf("command too short: %d bytes", len(msg))
	}

	var keyLen = int(binary.BigEndian.Uint32(msg[1:5]))
	// limit to 1 KB for safety
	if keyLen <= 0 || keyLen > maxKeyLen {
		return cmd, fmt.Errorf("invalid key length: %d", keyLen)
	}
	// ensure message is long enough for the key
	if len(msg) < 5+keyLen {
		return cmd, fmt.Errorf("incomplete message for key: need %d, got %d", 5+keyLen, len(msg))
	}

	cmd.key = string(msg[5 : 5+keyLen])

	if cmd.kind == cmdSet {
		var valueOffset = 5 + keyLen
		// ensure message is long enough for value length
		if len(msg) < valueOffset+4 {
			return cmd, fmt.Errorf("message too short for value length")
		}

		var valueLen = int(binary.BigEndian.Uint32(msg[valueOffset : valueOffset+4]))
		// limit to 1 MB
		if valueLen < 0 || valueLen > maxValueLen {
			return cmd, fmt.Errorf("invalid value length: %d", valueLen)
		}
		// ensure message is long enough for the value
		if len(msg) < valueOffset+4+valueLen {
			return cmd, fmt.Errorf("incomplete message for value: need %d, got %d", valueOffset+4+valueLen, len(msg))
		}

		cmd.value = string(msg[valueOffset+4 : valueOffset+4+valueLen])
	}

	return cmd, nil
}

// encodeCmd encodes a command into a byte slice
func encodeCmd(cmd command) ([]byte, error) {
	switch cmd.kind {
	case cmdSnap:
		return []byte{byte(cmdSnap)}, nil

	case cmdLoad:
		var buf = make([]byte, 5+len(cmd.value))
		buf[0] = byte(cmdLoad)
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(cmd.value)))
		copy(buf[5:], cmd.value)
		return buf, nil

	case cmdSet, cmdGet:

	default:
		return nil, fmt.Errorf("unsupported command kind: %d", cmd.kind)
	}

	var keyLen = uint32(len(cmd.key))
	if keyLen == 0 {
		return nil, fmt.Errorf("key cannot be empty")
	}
	if keyLen > maxKeyLen {
		return nil, fmt.Errorf("key too large: %d bytes", keyLen)
	}

	var valueLen uint32
	if cmd.kind == cmdSet {
		valueLen = uint32(len(cmd.value))
		if valueLen == 0 {
			return nil, fmt.Errorf("value cannot be empty for SET")
		}
		if valueLen > maxValueLen {
			return nil, fmt.Errorf("value too large: %d bytes", valueLen)
		}
	}

	// calculate total message length
	var totalMsgLen = 1 + 4 + keyLen
	if cmd.kind == cmdSet {
		totalMsgLen += 4 + valueLen
	}

	buf := make([]byte, totalMsgLen)
	buf[0] = byte(cmd.kind)

	binary.BigEndian.PutUint32(buf[1:5], keyLen)

	copy(buf[5:5+keyLen], cmd.key)

	if cmd.kind == cmdSet {
		var valOffset = 5 + keyLen
		binary.BigEndian.PutUint32(buf[valOffset:valOffset+4], valueLen)

		copy(buf[valOffset+4:valOffset+4+valueLen], cmd.value)
	}

	return buf, nil
}

// EncodeSet builds a SET command for key and value.
func EncodeSet(key, value string) ([]byte, error) {
	return encodeCmd(command{kind: cmdSet, key: key, value: value})
}

// EncodeGet builds a GET command for key.
func EncodeGet(key string) ([]byte, error) {
	return encodeCmd(command{kind: cmdGet, key: key})
}

// EncodeSnap builds a SNAP command which reads back the whole store.
func EncodeSnap() []byte {
	return []byte{byte(cmdSnap)}
}

// EncodeLoad builds a LOAD command replacing the store with a SNAP result.
func EncodeLoad(data []byte) ([]byte, error) {
	return encodeCmd(command{kind: cmdLoad, value: string(data)})
}

// IsReadOnly reports whether msg can be served without going through the log.
func IsReadOnly(msg []byte) (bool, error) {
	var cmd, err = decodeCmd(msg)
	if err != nil {
		return false, err
	}

	return cmd.readOnly(), nil
}
