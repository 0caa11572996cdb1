package remote

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/ygrebnov/scheduler"
)

var (
	ErrNotPortable    = errors.New("remote: work context is not portable")
	ErrUnknownContext = errors.New("remote: unknown work context kind")
	ErrDuplicateKind  = errors.New("remote: work context kind already registered")
)

// Portable is a WorkContext that can be shipped to a remote worker.
// The remote side rebuilds it from ContextKind and MarshalContext through a Registry.
type Portable interface {
	scheduler.WorkContext
	ContextKind() string
	MarshalContext() ([]byte, error)
}

// ArgDecoder is implemented by work contexts that decode their own arguments.
// Without it, every argument is decoded into a plain interface value.
type ArgDecoder interface {
	DecodeArgs(args []json.RawMessage) ([]any, error)
}

// Factory rebuilds a work context from its payload. reg lets wrapping contexts
// rebuild the context they wrap.
type Factory func(payload []byte, reg *Registry) (scheduler.WorkContext, error)

// Registry maps context kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return errors.New("remote: register requires a kind and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return errors.Wrap(ErrDuplicateKind, kind)
	}
	r.factories[kind] = f
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// Build rebuilds the work context described by spec.
func (r *Registry) Build(spec ContextSpec) (scheduler.WorkContext, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownContext, spec.Kind)
	}
	wc, err := f(spec.Payload, r)
	if err != nil {
		return nil, errors.Wrapf(err, "build work context %q", spec.Kind)
	}
	return wc, nil
}

// SpecOf returns the portable form of wc.
func SpecOf(wc scheduler.WorkContext) (ContextSpec, error) {
	p, ok := wc.(Portable)
	if !ok {
		return ContextSpec{}, errors.Wrapf(ErrNotPortable, "%T", wc)
	}
	payload, err := p.MarshalContext()
	if err != nil {
		return ContextSpec{}, errors.Wrapf(err, "marshal work context %q", p.ContextKind())
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return ContextSpec{}, fmt.Errorf("marshal work context %q: payload is not valid JSON", p.ContextKind())
	}
	return ContextSpec{Kind: p.ContextKind(), Payload: payload}, nil
}

// EncodeArgs marshals every argument to JSON.
func EncodeArgs(args []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, errors.Wrapf(err, "encode argument %d", i)
		}
		raw = append(raw, b)
	}
	return raw, nil
}

// DecodeArgs decodes raw arguments for wc, using its ArgDecoder when it has one.
func DecodeArgs(wc scheduler.WorkContext, raw []json.RawMessage) ([]any, error) {
	if d, ok := wc.(ArgDecoder); ok {
		return d.DecodeArgs(raw)
	}
	args := make([]any, 0, len(raw))
	for i, r := range raw {
		var v any
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, errors.Wrapf(err, "decode argument %d", i)
		}
		args = append(args, v)
	}
	return args, nil
}
