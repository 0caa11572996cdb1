package splitter

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/ygrebnov/scheduler"
	"github.com/ygrebnov/scheduler/remote"
)

// ProxyKind is the context kind a ProxyContext is shipped under.
const ProxyKind = "splitter.proxy"

// SubRequest is one task submitted by a sub-worker. ID is the submitting sub-worker and
// Seq numbers its calls.
type SubRequest struct {
	ID   string `json:"id"`
	Seq  uint64 `json:"seq"`
	Args []any  `json:"args"`
}

// SubResult is the outcome of a SubRequest. Err carries the original error in-process;
// across a link only its message survives in Error.
type SubResult struct {
	ID     string `json:"id"`
	Seq    uint64 `json:"seq"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

// ProxyContext is the work context the backing worker is started with. Each call to
// ExecuteWork hands over a batch of sub-requests, runs each one on its own goroutine
// against the wrapped context, and returns every result completed since the previous call.
// At most threads sub-requests run at once.
type ProxyContext struct {
	inner   scheduler.WorkContext
	threads int
	sem     chan struct{}

	mu   sync.Mutex
	done []SubResult
}

var (
	_ remote.Portable   = (*ProxyContext)(nil)
	_ remote.ArgDecoder = (*ProxyContext)(nil)
)

// NewProxyContext wraps inner. threads below one is treated as one.
func NewProxyContext(inner scheduler.WorkContext, threads int) *ProxyContext {
	if threads < 1 {
		threads = 1
	}
	return &ProxyContext{
		inner:   inner,
		threads: threads,
		sem:     make(chan struct{}, threads),
	}
}

// Threads returns the number of sub-requests allowed to run at once.
func (p *ProxyContext) Threads() int { return p.threads }

// ExecuteWork submits every SubRequest in batch and returns the completed results.
// It never blocks on the submitted work.
func (p *ProxyContext) ExecuteWork(batch ...any) (any, error) {
	reqs := make([]SubRequest, 0, len(batch))
	for i, b := range batch {
		switch r := b.(type) {
		case SubRequest:
			reqs = append(reqs, r)
		case *SubRequest:
			reqs = append(reqs, *r)
		default:
			return nil, fmt.Errorf("splitter: batch item %d is %T, not a SubRequest", i, b)
		}
	}
	for _, r := range reqs {
		go p.run(r)
	}
	return p.drain(), nil
}

func (p *ProxyContext) run(r SubRequest) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	res := SubResult{ID: r.ID, Seq: r.Seq}
	v, err := p.call(r.Args)
	if err != nil {
		res.Err, res.Error = err, err.Error()
	} else {
		res.Result = v
	}

	p.mu.Lock()
	p.done = append(p.done, res)
	p.mu.Unlock()
}

func (p *ProxyContext) call(args []any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("%w: %v", scheduler.ErrTaskPanicked, r)
		}
	}()
	return p.inner.ExecuteWork(args...)
}

func (p *ProxyContext) drain() []SubResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.done
	p.done = nil
	if out == nil {
		out = []SubResult{}
	}
	return out
}

// ContextKind implements remote.Portable.
func (p *ProxyContext) ContextKind() string { return ProxyKind }

type proxyPayload struct {
	Inner   remote.ContextSpec `json:"inner"`
	Threads int                `json:"threads"`
}

// MarshalContext implements remote.Portable. It fails when the wrapped context is not
// portable itself.
func (p *ProxyContext) MarshalContext() ([]byte, error) {
	spec, err := remote.SpecOf(p.inner)
	if err != nil {
		return nil, errors.Wrap(err, "wrapped context")
	}
	return json.Marshal(proxyPayload{Inner: spec, Threads: p.threads})
}

type wireRequest struct {
	ID   string            `json:"id"`
	Seq  uint64            `json:"seq"`
	Args []json.RawMessage `json:"args"`
}

// DecodeArgs implements remote.ArgDecoder. Arguments of every sub-request are decoded
// by the wrapped context.
func (p *ProxyContext) DecodeArgs(raw []json.RawMessage) ([]any, error) {
	batch := make([]any, 0, len(raw))
	for i, r := range raw {
		var w wireRequest
		if err := json.Unmarshal(r, &w); err != nil {
			return nil, errors.Wrapf(err, "decode sub-request %d", i)
		}
		args, err := remote.DecodeArgs(p.inner, w.Args)
		if err != nil {
			return nil, errors.Wrapf(err, "decode sub-request %d (%s)", i, w.ID)
		}
		batch = append(batch, SubRequest{ID: w.ID, Seq: w.Seq, Args: args})
	}
	return batch, nil
}

// Register makes ProxyContext buildable by reg. The wrapped context's kind must be
// registered in reg as well.
func Register(reg *remote.Registry) error {
	return reg.Register(ProxyKind, func(payload []byte, reg *remote.Registry) (scheduler.WorkContext, error) {
		var pp proxyPayload
		if err := json.Unmarshal(payload, &pp); err != nil {
			return nil, errors.Wrap(err, "decode proxy payload")
		}
		inner, err := reg.Build(pp.Inner)
		if err != nil {
			return nil, err
		}
		return NewProxyContext(inner, pp.Threads), nil
	})
}

// normalizeResults converts whatever the backing worker returned into SubResults.
// In-process backings return []SubResult; remote ones return decoded JSON.
func normalizeResults(v any) ([]SubResult, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case []SubResult:
		return r, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "normalize proxy results")
	}
	var out []SubResult
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrap(err, "normalize proxy results")
	}
	return out, nil
}
