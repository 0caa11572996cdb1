package remote

import (
	"encoding/json"
)

// Kind identifies a link message.
type Kind string

const (
	// KindInit carries the shared work context; it is the first message on a link.
	KindInit Kind = "init"
	// KindInitAck acknowledges KindInit. A non-empty Error means the context was rejected.
	KindInitAck Kind = "init_ack"
	// KindExecute asks the worker to run one unit of work with Args.
	KindExecute Kind = "execute"
	// KindResult answers KindExecute with Result or Error.
	KindResult Kind = "result"
)

// Message is the JSON envelope exchanged over a link. Every request is answered by
// exactly one response carrying the same ID.
type Message struct {
	Kind    Kind              `json:"kind"`
	ID      uint64            `json:"id"`
	Context *ContextSpec      `json:"context,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// ContextSpec is the portable form of a work context: the registered kind plus an
// opaque payload interpreted by that kind's Factory.
type ContextSpec struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func replyTo(req Message, kind Kind) Message {
	return Message{Kind: kind, ID: req.ID}
}
