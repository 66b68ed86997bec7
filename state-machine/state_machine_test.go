package state_machine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateMachine_decodeCmd(t *testing.T) {
	var tt = []struct {
		name        string
		msg         []byte
		expectedCmd command
		expectedErr error
	}{
		{
			name:        "set command",
			msg:         []byte{0x00, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y', 0x00, 0x00, 0x00, 0x05, 'v', 'a', 'l', 'u', 'e'},
			expectedCmd: command{kind: cmdSet, key: "key", value: "value"},
		},
		{
			name:        "get command",
			msg:         []byte{0x01, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y'},
			expectedCmd: command{kind: cmdGet, key: "key"},
		},
		{
			name:        "snap command",
			msg:         []byte{0x02},
			expectedCmd: command{kind: cmdSnap},
		},
		{
			name:        "load command",
			msg:         []byte{0x03, 0x00, 0x00, 0x00, 0x02, 'a', 'b'},
			expectedCmd: command{kind: cmdLoad, value: "ab"},
		},
		{
			name:        "invalid key length",
			msg:         []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF},
			expectedErr: fmt.Errorf("invalid key length: %d", 4294967295),
		},
		{
			name:        "message too short for value length",
			msg:         []byte{0x00, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y', 0x00, 0x00, 0x00},
			expectedErr: fmt.Errorf("message too short for value length"),
		},
		{
			name:        "invalid value length",
			msg:         []byte{0x00, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y', 0xFF, 0xFF, 0xFF, 0xFF},
			expectedErr: fmt.Errorf("invalid value length: %d", 4294967295),
		},
		{
			name:        "unsupported kind",
			msg:         []byte{0x09},
			expectedErr: fmt.Errorf("unsupported command kind: 9"),
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var res, err = decodeCmd(tc.msg)
			if tc.expectedErr != nil {
				require.EqualError(t, err, tc.expectedErr.Error())
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expectedCmd, res)
		})
	}
}

func TestStateMachine_encodeCmd(t *testing.T) {
	var tt = []struct {
		name        string
		cmd         command
		expectedMsg []byte
		expectedErr error
	}{
		{
			name: "set command",
			cmd:  command{kind: cmdSet, key: "key", value: "value"},
			expectedMsg: []byte{
				0x00,
				0x00, 0x00, 0x00, 0x03,
				'k', 'e', 'y',
				0x00, 0x00, 0x00, 0x05,
				'v', 'a', 'l', 'u', 'e',
			},
		},
		{
			name:        "empty key",
			cmd:         command{kind: cmdSet, key: "", value: "value"},
			expectedErr: fmt.Errorf("key cannot be empty"),
		},
		{
			name:        "empty value",
			cmd:         command{kind: cmdSet, key: "key", value: ""},
			expectedErr: fmt.Errorf("value cannot be empty for SET"),
		},
		{
			name:        "get command",
			cmd:         command{kind: cmdGet, key: "key"},
			expectedMsg: []byte{0x01, 0x00, 0x00, 0x00, 0x03, 'k', 'e', 'y'},
		},
		{
			name:        "snap command",
			cmd:         command{kind: cmdSnap},
			expectedMsg: []byte{0x02},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var res, err = encodeCmd(tc.cmd)
			if tc.expectedErr != nil {
				require.EqualError(t, err, tc.expectedErr.Error())
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expectedMsg, res)
		})
	}
}

func TestKV_ApplyAndQuery(t *testing.T) {
	var kv = New()

	set, err := EncodeSet("name", "gandalf")
	require.NoError(t, err)

	res, err := kv.Apply(set)
	require.NoError(t, err)
	require.Equal(t, []byte("OK"), res)

	get, err := EncodeGet("name")
	require.NoError(t, err)

	res, err = kv.Query(get)
	require.NoError(t, err)
	require.Equal(t, []byte("gandalf"), res)

	// writes never go through Query
	_, err = kv.Query(set)
	require.ErrorIs(t, err, ErrNotReadOnly)

	missing, err := EncodeGet("missing")
	require.NoError(t, err)

	_, err = kv.Query(missing)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKV_SnapshotRestore(t *testing.T) {
	var kv = New()

	for i := 0; i < 10; i++ {
		cmd, err := EncodeSet(fmt.Sprintf("key-%02d", i), fmt.Sprintf("value-%d", i))
		require.NoError(t, err)

		_, err = kv.Apply(cmd)
		require.NoError(t, err)
	}

	data, err := kv.Query(EncodeSnap())
	require.NoError(t, err)

	var restored = New()
	require.NoError(t, restored.Restore(data))
	require.Equal(t, 10, restored.Len())

	get, err := EncodeGet("key-07")
	require.NoError(t, err)

	res, err := restored.Query(get)
	require.NoError(t, err)
	require.Equal(t, []byte("value-7"), res)

	// LOAD goes through the log like any other write
	var loaded = New()
	load, err := EncodeLoad(data)
	require.NoError(t, err)

	_, err = loaded.Apply(load)
	require.NoError(t, err)
	require.Equal(t, 10, loaded.Len())

	require.Error(t, restored.Restore([]byte{0x00, 0x00, 0x00, 0x01, 0x00}))
}

func TestIsReadOnly(t *testing.T) {
	var set, _ = EncodeSet("k", "v")
	var get, _ = EncodeGet("k")

	ro, err := IsReadOnly(get)
	require.NoError(t, err)
	require.True(t, ro)

	ro, err = IsReadOnly(EncodeSnap())
	require.NoError(t, err)
	require.True(t, ro)

	ro, err = IsReadOnly(set)
	require.NoError(t, err)
	require.False(t, ro)

	_, err = IsReadOnly(nil)
	require.Error(t, err)
}
