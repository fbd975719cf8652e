package packet

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestination(t *testing.T) {
	cases := []struct {
		to    string
		scope Scope
		name  string
	}{
		{"broadcast", ScopeBroadcast, ""},
		{"remote", ScopeRemote, ""},
		{"remote:A", ScopeRemote, "A"},
		{"storage", ScopeLocal, "storage"},
	}
	for _, c := range cases {
		d, err := ParseDestination(c.to)
		require.NoError(t, err, c.to)
		assert.Equal(t, c.scope, d.Scope, c.to)
		assert.Equal(t, c.name, d.Name, c.to)
		assert.Equal(t, c.to, d.String())
	}

	_, err := ParseDestination("")
	assert.ErrorIs(t, err, ErrEmptyDestination)
	_, err = ParseDestination("remote:")
	assert.ErrorIs(t, err, ErrEmptyDestination)
}

func TestDecodeDefaultsAndValidation(t *testing.T) {
	p, err := Decode([]byte(`{"id":"p1","from":"a","to":"b","kind":"event","payload":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, p.ChunkCount)
	assert.True(t, p.IsFinal)
	assert.Equal(t, StatusPending, p.Status)
	assert.False(t, p.CreatedAt.IsZero())

	_, err = Decode([]byte(`{"id":"p1","from":"a","to":"b","kind":"teleport"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode([]byte(`{"id":"p1","to":"b","kind":"stream","chunk_index":3,"chunk_count":3}`))
	assert.ErrorIs(t, err, ErrChunkRange)

	_, err = Decode([]byte(`{"from":"a","to":"b","kind":"event"}`))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestWireShape(t *testing.T) {
	p := NewChunk("s1", "a", "b", KindStream, "x", 1, 3).WithMeta("trace", "t1")
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "stream", m["kind"])
	assert.Equal(t, "pending", m["status"])
	assert.EqualValues(t, 1, m["chunk_index"])
	assert.EqualValues(t, 3, m["chunk_count"])
	assert.Equal(t, false, m["is_final"])

	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "t1", back.Meta("trace"))
	assert.Equal(t, p.CreatedAt.UnixNano(), back.CreatedAt.UnixNano())
}

func TestWithCopiesMetadata(t *testing.T) {
	orig := New("p", "a", "b", KindEvent, nil).WithMeta("k", "v")
	moved := orig.WithTo("c").WithMeta("k", "changed")
	assert.Equal(t, "v", orig.Meta("k"))
	assert.Equal(t, "b", orig.To)
	assert.Equal(t, "changed", moved.Meta("k"))
}

func TestMarshalInvalidKind(t *testing.T) {
	_, err := json.Marshal(Packet{ID: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestSplit(t *testing.T) {
	p := New("s", "a", "b", KindStream, "abcdefg")
	chunks, err := Split(p, 3)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	joined := ""
	for i, c := range chunks {
		assert.Equal(t, "s", c.ID)
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, 3, c.ChunkCount)
		assert.Equal(t, i == 2, c.IsFinal)
		joined += c.Payload.(string)
	}
	assert.Equal(t, "abcdefg", joined)

	_, err = Split(New("s", "a", "b", KindStream, 42), 2)
	assert.ErrorIs(t, err, ErrUnsplittable)
}
