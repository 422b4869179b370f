package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointer(t *testing.T) {
	p := Pointer(3.14)
	require.NotNil(t, p)
	assert.Equal(t, 3.14, *p)

	s := Pointer("gpt-4")
	assert.Equal(t, "gpt-4", *s)
}

func TestValueOr(t *testing.T) {
	assert.Equal(t, 50, ValueOr[int](nil, 50))
	assert.Equal(t, 0, ValueOr(Pointer(0), 50))
	assert.Equal(t, 0.2, ValueOr(Pointer(0.2), 0.7))
}

func TestResult(t *testing.T) {
	r := NewValueResult("tok")
	v, err := r.Value()
	require.NoError(t, err)
	assert.Equal(t, "tok", v)
	assert.True(t, r.Ok())

	e := NewErrorResult[string](assert.AnError)
	assert.False(t, e.Ok())
	assert.Equal(t, "fallback", e.ValueOr("fallback"))
	assert.Panics(t, func() { e.Unwrap() })
}
