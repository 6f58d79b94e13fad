package realtime

import "context"

// Handler processes a routed message. The context is cancelled when the
// router's processing timeout fires; handlers that ignore it keep running
// in the background after the caller has seen the timeout error.
type Handler func(ctx context.Context, msg *Message) error

// Validator decides whether a message may be processed by a route.
type Validator func(msg *Message) bool

// Transformer maps a message to the form the handler expects. The
// transformed message, not the original, flows onward on success.
type Transformer func(msg *Message) (*Message, error)

// Route binds a (feature, message type) key to a handler with optional
// validation and transformation. Routes sharing a key are kept sorted by
// descending priority; routing picks the first enabled one.
type Route struct {
	Feature     string
	MessageType string
	Handler     Handler
	Validator   Validator
	Transformer Transformer
	Priority    int
	Enabled     bool
}

// Key returns the composite routing key for the route.
func (r *Route) Key() string {
	return r.Feature + ":" + r.MessageType
}

func (r *Route) validate() error {
	if r.Feature == "" {
		return ErrMissingFeature
	}
	if r.MessageType == "" {
		return ErrMissingType
	}
	if r.Handler == nil {
		return ErrMissingHandler
	}
	return nil
}
