package state_machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/btree"
)

var (
	// ErrKeyNotFound is returned by GET for a key that was never set.
	ErrKeyNotFound = errors.New("key not found")

	// ErrNotReadOnly is returned by Query for commands that mutate the store.
	ErrNotReadOnly = errors.New("command is not read-only")
)

// btreeDegree matches the degree the mvcc tree index uses
const btreeDegree = 32

type item struct {
	key   string
	value string
}

func itemLess(a, b item) bool {
	return a.key < b.key
}

// KV is a simple in-memory key-value state machine ordered by key.
// It is not safe for concurrent mutation, callers serialize writes.
type KV struct {
	tree *btree.BTreeG[item]
}

func New() *KV {
	return &KV{tree: btree.NewG[item](btreeDegree, itemLess)}
}

// Apply executes any command, it is the path committed log entries take.
func (kv *KV) Apply(msg []byte) ([]byte, error) {
	var cmd, err = decodeCmd(msg)
	if err != nil {
		return nil, err
	}

	switch cmd.kind {
	case cmdSet:
		kv.tree.ReplaceOrInsert(item{key: cmd.key, value: cmd.value})
		return []byte("OK"), nil

	case cmdLoad:
		if err = kv.Restore([]byte(cmd.value)); err != nil {
			return nil, err
		}
		return []byte("OK"), nil
	}

	return kv.read(cmd)
}

// Query executes read-only commands against the current state.
func (kv *KV) Query(msg []byte) ([]byte, error) {
	var cmd, err = decodeCmd(msg)
	if err != nil {
		return nil, err
	}

	if !cmd.readOnly() {
		return nil, ErrNotReadOnly
	}

	return kv.read(cmd)
}

func (kv *KV) read(cmd command) ([]byte, error) {
	switch cmd.kind {
	case cmdGet:
		var it, ok = kv.tree.Get(item{key: cmd.key})
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, cmd.key)
		}

		return []byte(it.value), nil

	case cmdSnap:
		return kv.Snapshot()
	}

	return nil, fmt.Errorf("unsupported command kind: %d", cmd.kind)
}

// Len returns the number of stored keys.
func (kv *KV) Len() int {
	return kv.tree.Len()
}

// Snapshot serializes the whole store
/*
	[0..3]  - number of pairs (uint32)
	each pair:
	[0..3]  - key length (uint32)
	[4..]   - key bytes
	[..+4]  - value length (uint32)
	[..]    - value bytes
*/
func (kv *KV) Snapshot() ([]byte, error) {
	var buf = make([]byte, 4, 4+kv.tree.Len()*16)
	binary.BigEndian.PutUint32(buf[0:4], uint32(kv.tree.Len()))

	var lenBuf [4]byte
	kv.tree.Ascend(func(it item) bool {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(it.key)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, it.key...)

		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(it.value)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, it.value...)
		return true
	})

	return buf, nil
}

// Restore replaces the store with the content of a Snapshot result.
// An empty input resets the store.
func (kv *KV) Restore(data []byte) error {
	var tree = btree.NewG[item](btreeDegree, itemLess)

	if len(data) == 0 {
		kv.tree = tree
		return nil
	}

	if len(data) < 4 {
		return fmt.Errorf("snapshot too short: %d bytes", len(data))
	}

	var (
		count  = binary.BigEndian.Uint32(data[0:4])
		offset = 4
	)

	var next = func() (string, error) {
		if len(data) < offset+4 {
			return "", fmt.Errorf("snapshot truncated at offset %d", offset)
		}

		var n = int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4

		if len(data) < offset+n {
			return "", fmt.Errorf("snapshot truncated: need %d, got %d", offset+n, len(data))
		}

		var s = string(data[offset : offset+n])
		offset += n
		return s, nil
	}

	for i := uint32(0); i < count; i++ {
		var key, err = next()
		if err != nil {
			return err
		}

		var value string
		if value, err = next(); err != nil {
			return err
		}

		tree.ReplaceOrInsert(item{key: key, value: value})
	}

	kv.tree = tree
	return nil
}
