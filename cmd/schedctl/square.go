package main

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/ygrebnov/scheduler"
	"github.com/ygrebnov/scheduler/remote"
	"github.com/ygrebnov/scheduler/splitter"
)

const squareKind = "schedctl.square"

// squareContext is the demo work context: each task squares its integer argument,
// adds Offset and sleeps DelayMS to simulate work.
type squareContext struct {
	Offset  int `json:"offset"`
	DelayMS int `json:"delay_ms"`
}

func (c *squareContext) ContextKind() string             { return squareKind }
func (c *squareContext) MarshalContext() ([]byte, error) { return json.Marshal(c) }

func (c *squareContext) DecodeArgs(raw []json.RawMessage) ([]any, error) {
	args := make([]any, 0, len(raw))
	for i, r := range raw {
		var n int
		if err := json.Unmarshal(r, &n); err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		args = append(args, n)
	}
	return args, nil
}

func (c *squareContext) ExecuteWork(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, errors.Errorf("square takes one argument, got %d", len(args))
	}
	n, ok := args[0].(int)
	if !ok {
		return nil, errors.Errorf("square takes an int, got %T", args[0])
	}
	if c.DelayMS > 0 {
		time.Sleep(time.Duration(c.DelayMS) * time.Millisecond)
	}
	return n*n + c.Offset, nil
}

// contextRegistry knows every work context schedctl workers can run.
func contextRegistry() *remote.Registry {
	reg := remote.NewRegistry()
	reg.MustRegister(squareKind, func(payload []byte, _ *remote.Registry) (scheduler.WorkContext, error) {
		c := &squareContext{}
		if err := json.Unmarshal(payload, c); err != nil {
			return nil, errors.Wrap(err, "decode square context")
		}
		return c, nil
	})
	if err := splitter.Register(reg); err != nil {
		panic(err)
	}
	return reg
}
