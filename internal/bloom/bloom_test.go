package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBloom_NoFalseNegatives(t *testing.T) {
	w := NewWriter()
	keys := make([][]byte, 0, 200)
	for i := 0; i < 200; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%d", i)))
	}
	for _, k := range keys {
		w.Add(k)
	}
	filter := w.Build()

	for _, k := range keys {
		assert.True(t, MayContain(filter, k), "must never false-negative on an added key")
	}
}

func TestBloom_EmptyFilterNeverContains(t *testing.T) {
	assert.False(t, MayContain(nil, []byte("anything")))
	assert.False(t, MayContain([]byte{0, 0, 0}, []byte("anything")))
}
