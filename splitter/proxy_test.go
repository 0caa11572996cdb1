package splitter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/scheduler"
	"github.com/ygrebnov/scheduler/remote"
)

// collect polls p until want results have been returned.
func collect(t *testing.T, p *ProxyContext, want int) []SubResult {
	t.Helper()
	var out []SubResult
	require.Eventually(t, func() bool {
		v, err := p.ExecuteWork()
		if err != nil {
			return false
		}
		out = append(out, v.([]SubResult)...)
		return len(out) >= want
	}, waitFor, time.Millisecond)
	return out
}

func TestProxyContext_ExecuteWorkReturnsCompletedResults(t *testing.T) {
	p := NewProxyContext(&mulContext{Factor: 10}, 2)
	require.Equal(t, 2, p.Threads())

	v, err := p.ExecuteWork(
		SubRequest{ID: "a", Seq: 1, Args: []any{1}},
		&SubRequest{ID: "b", Seq: 1, Args: []any{-1}},
		SubRequest{ID: "c", Seq: 4, Args: []any{13}},
	)
	require.NoError(t, err)

	got := append([]SubResult(nil), v.([]SubResult)...)
	got = append(got, collect(t, p, 3-len(got))...)
	require.Len(t, got, 3)

	byID := make(map[string]SubResult, len(got))
	for _, r := range got {
		byID[r.ID] = r
	}
	require.Equal(t, 10, byID["a"].Result)
	require.Empty(t, byID["a"].Error)
	require.ErrorIs(t, byID["b"].Err, errNegative)
	require.Equal(t, errNegative.Error(), byID["b"].Error)
	require.ErrorIs(t, byID["c"].Err, scheduler.ErrTaskPanicked)
	require.EqualValues(t, 4, byID["c"].Seq)

	// results are handed out once
	v, err = p.ExecuteWork()
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestProxyContext_BoundsConcurrency(t *testing.T) {
	inner := &gatedContext{release: make(chan struct{})}
	p := NewProxyContext(inner, 2)

	batch := make([]any, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, SubRequest{ID: string(rune('a' + i)), Args: []any{i}})
	}
	_, err := p.ExecuteWork(batch...)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return inner.current.Load() == 2 }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 2, inner.current.Load())

	close(inner.release)
	require.Len(t, collect(t, p, 5), 5)
	require.EqualValues(t, 2, inner.max.Load())
}

func TestProxyContext_RejectsForeignBatchItems(t *testing.T) {
	p := NewProxyContext(&mulContext{}, 0)
	require.Equal(t, 1, p.Threads())

	_, err := p.ExecuteWork(SubRequest{ID: "a", Args: []any{1}}, 42)
	require.ErrorContains(t, err, "batch item 1 is int")
}

func TestProxyContext_PortableThroughRegistry(t *testing.T) {
	reg := testRegistry(t)
	require.ErrorIs(t, Register(reg), remote.ErrDuplicateKind)

	spec, err := remote.SpecOf(NewProxyContext(&mulContext{Factor: 7}, 3))
	require.NoError(t, err)
	require.Equal(t, ProxyKind, spec.Kind)

	wc, err := reg.Build(spec)
	require.NoError(t, err)
	rebuilt, ok := wc.(*ProxyContext)
	require.True(t, ok)
	require.Equal(t, 3, rebuilt.Threads())
	require.Equal(t, &mulContext{Factor: 7}, rebuilt.inner)

	raw, err := remote.EncodeArgs([]any{SubRequest{ID: "x/0", Seq: 2, Args: []any{6}}})
	require.NoError(t, err)
	args, err := remote.DecodeArgs(rebuilt, raw)
	require.NoError(t, err)
	require.Equal(t, []any{SubRequest{ID: "x/0", Seq: 2, Args: []any{6}}}, args)

	_, err = rebuilt.ExecuteWork(args...)
	require.NoError(t, err)
	got := collect(t, rebuilt, 1)
	require.Equal(t, 42, got[0].Result)
}

func TestProxyContext_RequiresPortableInner(t *testing.T) {
	p := NewProxyContext(scheduler.WorkContextFunc(func(...any) (any, error) { return nil, nil }), 2)
	_, err := remote.SpecOf(p)
	require.ErrorIs(t, err, remote.ErrNotPortable)
}

func TestProxyContext_DecodeArgsErrors(t *testing.T) {
	p := NewProxyContext(&mulContext{}, 1)

	_, err := p.DecodeArgs([]json.RawMessage{json.RawMessage(`"not an object"`)})
	require.ErrorContains(t, err, "decode sub-request 0")

	_, err = p.DecodeArgs([]json.RawMessage{json.RawMessage(`{"id":"w/1","args":["seven"]}`)})
	require.ErrorContains(t, err, "w/1")
}

func TestNormalizeResults(t *testing.T) {
	direct := []SubResult{{ID: "a", Result: 1}}
	got, err := normalizeResults(direct)
	require.NoError(t, err)
	require.Equal(t, direct, got)

	got, err = normalizeResults(nil)
	require.NoError(t, err)
	require.Empty(t, got)

	// the shape a remote backing worker returns
	decoded := []any{
		map[string]any{"id": "a", "seq": float64(3), "result": float64(12)},
		map[string]any{"id": "b", "seq": float64(1), "error": "boom"},
	}
	got, err = normalizeResults(decoded)
	require.NoError(t, err)
	require.Equal(t, []SubResult{
		{ID: "a", Seq: 3, Result: float64(12)},
		{ID: "b", Seq: 1, Error: "boom"},
	}, got)

	_, err = normalizeResults("garbage")
	require.Error(t, err)
}
