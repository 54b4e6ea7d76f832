package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(v any) Function {
	return func(*Context, []any) (any, error) { return v, nil }
}

func TestRegistryLookupLatest(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("greet", 1, constant("v1")))
	require.NoError(t, r.Register("greet", 3, constant("v3")))
	require.NoError(t, r.Register("greet", 2, constant("v2")))

	fn, v, err := r.Lookup("greet", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	out, _ := fn(nil, nil)
	assert.Equal(t, "v3", out)

	fn, v, err = r.Lookup("greet", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	out, _ = fn(nil, nil)
	assert.Equal(t, "v2", out)
}

func TestRegistryErrors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("greet", 1, constant(nil)))

	assert.ErrorIs(t, r.Register("greet", 1, constant(nil)), ErrDuplicateFunction)
	assert.Error(t, r.Register("", 1, constant(nil)))
	assert.Error(t, r.Register("greet", 0, constant(nil)))
	assert.Error(t, r.Register("greet", 2, nil))

	_, _, err := r.Lookup("missing", 0)
	assert.ErrorIs(t, err, ErrFunctionNotFound)
	_, _, err = r.Lookup("greet", 9)
	assert.ErrorIs(t, err, ErrFunctionNotFound)

	assert.Panics(t, func() { r.MustRegister("greet", 1, constant(nil)) })
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("zeta", 1, constant(nil))
	r.MustRegister("alpha", 1, constant(nil))
	r.MustRegister("alpha", 2, constant(nil))
	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
}
