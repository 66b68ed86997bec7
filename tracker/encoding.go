package tracker

import (
	"encoding/binary"
	"fmt"
)

// encodeEntry writes one log entry
/*
	[0..7]   - term (uint64)
	[8..15]  - index (uint64)
	[16]     - entity kind
	[17..20] - data length (uint32)
	[21..]   - data bytes
*/
func encodeEntry(e LogEntry) []byte {
	var buf = make([]byte, 21+len(e.Entity.Data))
	binary.BigEndian.PutUint64(buf[0:8], e.Term)
	binary.BigEndian.PutUint64(buf[8:16], e.Index)
	buf[16] = byte(e.Entity.Kind)
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(e.Entity.Data)))
	copy(buf[21:], e.Entity.Data)
	return buf
}

func decodeEntry(buf []byte) (LogEntry, error) {
	var e LogEntry
	if len(buf) < 21 {
		return e, fmt.Errorf("cannot decode log entry: header too short (%d bytes)", len(buf))
	}

	e.Term = binary.BigEndian.Uint64(buf[0:8])
	e.Index = binary.BigEndian.Uint64(buf[8:16])
	e.Entity.Kind = EntityKind(buf[16])

	var dataLen = int(binary.BigEndian.Uint32(buf[17:21]))
	if len(buf) != 21+dataLen {
		return e, fmt.Errorf("cannot decode log entry %d: need %d bytes, got %d", e.Index, 21+dataLen, len(buf))
	}

	// buf may belong to a read transaction, keep a private copy
	e.Entity.Data = append([]byte(nil), buf[21:]...)
	return e, nil
}

// encodeSnapshot writes a snapshot
/*
	[0..7]  - index (uint64)
	[8..15] - term (uint64)
	[16..]  - state machine data
*/
func encodeSnapshot(snap Snapshot) []byte {
	var buf = make([]byte, 16+len(snap.Data))
	binary.BigEndian.PutUint64(buf[0:8], snap.Index)
	binary.BigEndian.PutUint64(buf[8:16], snap.Term)
	copy(buf[16:], snap.Data)
	return buf
}

func decodeSnapshot(buf []byte) (Snapshot, error) {
	if len(buf) < 16 {
		return Snapshot{}, fmt.Errorf("cannot decode snapshot: header too short (%d bytes)", len(buf))
	}

	return Snapshot{
		Index: binary.BigEndian.Uint64(buf[0:8]),
		Term:  binary.BigEndian.Uint64(buf[8:16]),
		Data:  append([]byte(nil), buf[16:]...),
	}, nil
}

func indexKey(index uint64) []byte {
	var key = make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}
