package remote

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/scheduler"
)

func TestRegistry(t *testing.T) {
	reg := testRegistry(t)

	err := reg.Register("test.sum", func([]byte, *Registry) (scheduler.WorkContext, error) { return nil, nil })
	require.ErrorIs(t, err, ErrDuplicateKind)
	require.Error(t, reg.Register("", nil))
	require.Panics(t, func() { reg.MustRegister("test.sum", nil) })

	spec, err := SpecOf(&sumContext{Offset: 4})
	require.NoError(t, err)
	require.Equal(t, "test.sum", spec.Kind)
	require.JSONEq(t, `{"offset":4}`, string(spec.Payload))

	wc, err := reg.Build(spec)
	require.NoError(t, err)
	v, err := wc.ExecuteWork(1, 2)
	require.NoError(t, err)
	require.Equal(t, 7, v)

	_, err = reg.Build(ContextSpec{Kind: "missing"})
	require.ErrorIs(t, err, ErrUnknownContext)

	_, err = reg.Build(ContextSpec{Kind: "test.sum", Payload: json.RawMessage(`"not an object"`)})
	require.ErrorContains(t, err, `build work context "test.sum"`)
}

func TestSpecOf_NotPortable(t *testing.T) {
	_, err := SpecOf(scheduler.WorkContextFunc(func(...any) (any, error) { return nil, nil }))
	require.ErrorIs(t, err, ErrNotPortable)
}

func TestArgsRoundTrip(t *testing.T) {
	raw, err := EncodeArgs([]any{1, "two", map[string]int{"three": 3}})
	require.NoError(t, err)
	require.Len(t, raw, 3)

	args, err := DecodeArgs(scheduler.WorkContextFunc(nil), raw)
	require.NoError(t, err)
	require.Equal(t, []any{float64(1), "two", map[string]any{"three": float64(3)}}, args)

	args, err = DecodeArgs(&sumContext{}, raw[:1])
	require.NoError(t, err)
	require.Equal(t, []any{1}, args)

	_, err = EncodeArgs([]any{make(chan int)})
	require.ErrorContains(t, err, "encode argument 0")
}
