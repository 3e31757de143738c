package iterator

import (
	"testing"

	"github.com/datnguyenzzz/segstore/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceIter struct {
	entries []*kv.Entry
	pos     int
}

func (it *sliceIter) Next() (*kv.Entry, bool, error) {
	if it.pos >= len(it.entries) {
		return nil, false, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true, nil
}

func entries(pairs ...[2]string) []*kv.Entry {
	out := make([]*kv.Entry, len(pairs))
	for i, p := range pairs {
		var v []byte
		if p[1] != "<tomb>" {
			v = []byte(p[1])
		}
		out[i] = &kv.Entry{Key: []byte(p[0]), Value: v}
	}
	return out
}

func TestPeeking_PeekDoesNotConsume(t *testing.T) {
	p := NewPeeking(&sliceIter{entries: entries([2]string{"a", "1"}, [2]string{"b", "2"})}, 0)
	assert.Equal(t, []byte("a"), p.Peek().Key)
	assert.Equal(t, []byte("a"), p.Peek().Key)
	adv := p.Advance()
	assert.Equal(t, []byte("a"), adv.Key)
	assert.Equal(t, []byte("b"), p.Peek().Key)
}

func TestMerging_FreshnessWinsTies(t *testing.T) {
	older := NewPeeking(&sliceIter{entries: entries([2]string{"a", "old"}, [2]string{"c", "old-c"})}, 0)
	newer := NewPeeking(&sliceIter{entries: entries([2]string{"a", "new"}, [2]string{"b", "new-b"})}, 1)

	m := NewMerging([]*Peeking{older, newer}, kv.DefaultComparer)

	var got []*kv.Entry
	for {
		e, ok, err := m.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, e)
	}

	require.Len(t, got, 3)
	assert.Equal(t, []byte("a"), got[0].Key)
	assert.Equal(t, []byte("new"), got[0].Value)
	assert.Equal(t, []byte("b"), got[1].Key)
	assert.Equal(t, []byte("c"), got[2].Key)
}

func TestMerging_SuppressesTombstones(t *testing.T) {
	older := NewPeeking(&sliceIter{entries: entries([2]string{"a", "1"})}, 0)
	newer := NewPeeking(&sliceIter{entries: entries([2]string{"a", "<tomb>"}, [2]string{"b", "2"})}, 1)

	m := NewMerging([]*Peeking{older, newer}, kv.DefaultComparer)

	e, ok, err := m.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), e.Key)

	_, ok, err = m.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMerging_StrictlyAscendingNoDuplicates(t *testing.T) {
	a := NewPeeking(&sliceIter{entries: entries([2]string{"a", "1"}, [2]string{"b", "2"}, [2]string{"d", "4"})}, 2)
	b := NewPeeking(&sliceIter{entries: entries([2]string{"b", "stale"}, [2]string{"c", "3"})}, 1)
	c := NewPeeking(&sliceIter{entries: entries([2]string{"b", "oldest"})}, 0)

	m := NewMerging([]*Peeking{a, b, c}, kv.DefaultComparer)

	var keys []string
	var lastKey string
	for {
		e, ok, err := m.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(e.Key))
		if lastKey != "" {
			assert.True(t, lastKey < string(e.Key), "output must be strictly ascending")
		}
		lastKey = string(e.Key)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)
}
