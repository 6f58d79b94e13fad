package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxlink/fluxlink/internal/core/cache"
	"github.com/fluxlink/fluxlink/internal/core/observability/log"
)

func newTestRouter(t *testing.T, cfg RouterConfig) *MessageRouter {
	t.Helper()
	store := cache.NewStore(cache.WithJanitorInterval(0))
	t.Cleanup(store.Close)
	return NewMessageRouter(cfg, store, log.Nop())
}

func chatMessage(payload map[string]any) *Message {
	return NewMessage(FeatureChat, "message", payload)
}

func TestRegisterRoute_PriorityOrdering(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	noop := func(ctx context.Context, msg *Message) error { return nil }
	for _, priority := range []int{1, 10, 5, 7} {
		err := r.RegisterRoute(&Route{
			Feature:     FeatureChat,
			MessageType: "message",
			Handler:     noop,
			Priority:    priority,
			Enabled:     true,
		})
		require.NoError(t, err)

		r.mu.RLock()
		routes := r.routes["chat:message"]
		for i := 1; i < len(routes); i++ {
			assert.GreaterOrEqual(t, routes[i-1].Priority, routes[i].Priority,
				"route list must stay sorted descending after every registration")
		}
		r.mu.RUnlock()
	}
}

func TestRegisterRoute_Invalid(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	err := r.RegisterRoute(&Route{Feature: FeatureChat, MessageType: "message"})
	assert.ErrorIs(t, err, ErrMissingHandler)

	err = r.RegisterRoute(&Route{MessageType: "message", Handler: func(ctx context.Context, msg *Message) error { return nil }})
	assert.ErrorIs(t, err, ErrMissingFeature)
}

func TestRouteMessage_FirstEnabledSelection(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	var highCalled, lowCalled atomic.Int32
	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Handler: func(ctx context.Context, msg *Message) error {
			highCalled.Add(1)
			return nil
		},
		Priority: 10,
		Enabled:  false,
	}))
	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Handler: func(ctx context.Context, msg *Message) error {
			lowCalled.Add(1)
			return nil
		},
		Priority: 5,
		Enabled:  true,
	}))

	err := r.RouteMessage(context.Background(), chatMessage(map[string]any{"chatId": "c1"}))
	require.NoError(t, err)
	assert.Equal(t, int32(0), highCalled.Load(), "disabled route must be skipped")
	assert.Equal(t, int32(1), lowCalled.Load(), "first enabled route must run")
}

func TestRouteMessage_Unroutable(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	msg := NewMessage("analytics", "pageview", map[string]any{"page": "/home"})
	err := r.RouteMessage(context.Background(), msg)
	require.NoError(t, err, "unroutable messages are dropped, not errors")

	m := r.Metrics()
	assert.Equal(t, uint64(1), m.TotalMessages)
	assert.Equal(t, uint64(1), m.MessagesDropped)
	assert.Equal(t, uint64(0), m.MessagesRouted)

	dlq := r.DeadLetterQueue()
	require.Len(t, dlq, 1)
	assert.Equal(t, FailureUnroutable, dlq[0].Reason)
	assert.Equal(t, msg.ID, dlq[0].Message.ID)
}

func TestRouteMessage_UnroutableWhenAllDisabled(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Handler:     func(ctx context.Context, msg *Message) error { return nil },
		Priority:    10,
		Enabled:     false,
	}))

	err := r.RouteMessage(context.Background(), chatMessage(nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Metrics().MessagesDropped)
}

func TestRouteMessage_ValidationFailure(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	var handled atomic.Int32
	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Validator: func(msg *Message) bool {
			chatID, ok := msg.Payload["chatId"].(string)
			return ok && chatID != ""
		},
		Handler: func(ctx context.Context, msg *Message) error {
			handled.Add(1)
			return nil
		},
		Priority: 5,
		Enabled:  true,
	}))

	err := r.RouteMessage(context.Background(), chatMessage(map[string]any{"text": "hi"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Equal(t, ErrorCodeValidationFailed, GetErrorCode(err))
	assert.Equal(t, int32(0), handled.Load())

	m := r.Metrics()
	assert.Equal(t, uint64(1), m.ValidationErrors)
	assert.Equal(t, uint64(1), m.Features[FeatureChat].Errors)

	dlq := r.DeadLetterQueue()
	require.Len(t, dlq, 1, "failed message must appear in the dead-letter queue exactly once")
	assert.Equal(t, FailureValidation, dlq[0].Reason)
}

func TestRouteMessage_ValidationDisabledByConfig(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.EnableValidation = false
	r := newTestRouter(t, cfg)

	var handled atomic.Int32
	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Validator:   func(msg *Message) bool { return false },
		Handler: func(ctx context.Context, msg *Message) error {
			handled.Add(1)
			return nil
		},
		Priority: 5,
		Enabled:  true,
	}))

	require.NoError(t, r.RouteMessage(context.Background(), chatMessage(nil)))
	assert.Equal(t, int32(1), handled.Load())
}

func TestRouteMessage_TransformedMessageFlowsOnward(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	var seen *Message
	done := make(chan struct{})
	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureFeed,
		MessageType: "update",
		Transformer: func(msg *Message) (*Message, error) {
			out := msg.Clone()
			out.SetMeta("enriched", true)
			return out, nil
		},
		Handler: func(ctx context.Context, msg *Message) error {
			seen = msg
			close(done)
			return nil
		},
		Priority: 1,
		Enabled:  true,
	}))

	msg := NewMessage(FeatureFeed, "update", map[string]any{"postId": "p1"})
	require.NoError(t, r.RouteMessage(context.Background(), msg))

	<-done
	enriched, ok := seen.Meta("enriched")
	require.True(t, ok, "handler must receive the transformed message")
	assert.Equal(t, true, enriched)
	_, original := msg.Meta("enriched")
	assert.False(t, original, "transformer must not mutate the original")
}

func TestRouteMessage_TransformerError(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureFeed,
		MessageType: "update",
		Transformer: func(msg *Message) (*Message, error) {
			return nil, errors.New("bad shape")
		},
		Handler:  func(ctx context.Context, msg *Message) error { return nil },
		Priority: 1,
		Enabled:  true,
	}))

	err := r.RouteMessage(context.Background(), NewMessage(FeatureFeed, "update", nil))
	require.Error(t, err)
	assert.Equal(t, ErrorCodeTransformationFailed, GetErrorCode(err))
	assert.Equal(t, uint64(1), r.Metrics().TransformationErrors)

	dlq := r.DeadLetterQueue()
	require.Len(t, dlq, 1)
	assert.Equal(t, FailureTransformation, dlq[0].Reason)
}

func TestRouteMessage_HandlerTimeout(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.MaxProcessingTime = 50 * time.Millisecond
	r := newTestRouter(t, cfg)

	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Handler: func(ctx context.Context, msg *Message) error {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
			return nil
		},
		Priority: 1,
		Enabled:  true,
	}))

	start := time.Now()
	err := r.RouteMessage(context.Background(), chatMessage(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessingTimeout)
	assert.Less(t, time.Since(start), time.Second, "timeout must reject without waiting for the handler")

	dlq := r.DeadLetterQueue()
	require.Len(t, dlq, 1)
	assert.Equal(t, FailureTimeout, dlq[0].Reason)
}

func TestRouteMessage_HandlerPanicContained(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Handler: func(ctx context.Context, msg *Message) error {
			panic("nil map write")
		},
		Priority: 1,
		Enabled:  true,
	}))

	err := r.RouteMessage(context.Background(), chatMessage(nil))
	require.Error(t, err, "a panicking handler must surface as an error, not crash")
	assert.Equal(t, ErrorCodeInternalError, GetErrorCode(err))

	dlq := r.DeadLetterQueue()
	require.Len(t, dlq, 1)
	assert.Equal(t, FailureHandler, dlq[0].Reason)

	// The router keeps working afterwards.
	require.NoError(t, r.RouteMessage(context.Background(), NewMessage(FeatureSystem, TypePing, nil)))
}

func TestRouteMessage_CallerCancelled(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Handler: func(ctx context.Context, msg *Message) error {
			<-block
			return nil
		},
		Priority: 1,
		Enabled:  true,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.RouteMessage(ctx, chatMessage(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ErrorCodeRoutingCancelled, GetErrorCode(err),
		"caller cancellation must not be reported as a processing timeout")
	assert.NotErrorIs(t, err, ErrProcessingTimeout)

	dlq := r.DeadLetterQueue()
	require.Len(t, dlq, 1)
	assert.Equal(t, FailureHandler, dlq[0].Reason)
}

func TestRouteMessage_HandlerError(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	boom := errors.New("boom")
	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Handler:     func(ctx context.Context, msg *Message) error { return boom },
		Priority:    1,
		Enabled:     true,
	}))

	err := r.RouteMessage(context.Background(), chatMessage(nil))
	assert.ErrorIs(t, err, boom)

	dlq := r.DeadLetterQueue()
	require.Len(t, dlq, 1)
	assert.Equal(t, FailureHandler, dlq[0].Reason)
}

func TestRouteMessage_NoDeadLetterWhenDisabled(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.EnableDeadLetterQueue = false
	r := newTestRouter(t, cfg)

	require.Error(t, r.RouteMessage(context.Background(), NewMessage(FeatureSystem, TypeError, nil)))
	assert.Empty(t, r.DeadLetterQueue())
}

func TestRetryDeadLetterMessages_RoundTrip(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	var failing atomic.Bool
	failing.Store(true)
	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Handler: func(ctx context.Context, msg *Message) error {
			if failing.Load() {
				return errors.New("downstream unavailable")
			}
			return nil
		},
		Priority: 1,
		Enabled:  true,
	}))

	msg := chatMessage(map[string]any{"chatId": "c1"})
	require.Error(t, r.RouteMessage(context.Background(), msg))
	require.Len(t, r.DeadLetterQueue(), 1)

	// Still failing: the entry goes back on the queue with attempts bumped.
	succeeded, failed := r.RetryDeadLetterMessages(context.Background())
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 1, failed)
	dlq := r.DeadLetterQueue()
	require.Len(t, dlq, 1)
	assert.Equal(t, 2, dlq[0].Attempts)

	// Recovered: the retry drains the queue.
	failing.Store(false)
	succeeded, failed = r.RetryDeadLetterMessages(context.Background())
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)
	assert.Empty(t, r.DeadLetterQueue())
}

func TestClearMetrics_ResetsEverything(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	require.NoError(t, r.RouteMessage(context.Background(), NewMessage(FeatureSystem, TypeHeartbeat, nil)))
	require.NoError(t, r.RouteMessage(context.Background(), NewMessage("nowhere", "nothing", nil)))
	require.NotEmpty(t, r.DeadLetterQueue())

	r.ClearMetrics()

	m := r.Metrics()
	assert.Zero(t, m.TotalMessages)
	assert.Zero(t, m.MessagesRouted)
	assert.Zero(t, m.MessagesDropped)
	assert.Zero(t, m.ValidationErrors)
	assert.Zero(t, m.TransformationErrors)
	assert.Zero(t, m.AverageProcessingTime)
	assert.Empty(t, m.Features)
	assert.Empty(t, r.DeadLetterQueue())
}

func TestMetricsMonotonicity(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	messages := []*Message{
		NewMessage(FeatureSystem, TypeHeartbeat, nil),
		NewMessage(FeatureSystem, TypePing, nil),
		NewMessage("nowhere", "nothing", nil),
		NewMessage(FeatureSystem, TypeError, nil), // fails validation
		NewMessage(FeatureSystem, TypeError, map[string]any{"error": "bad"}),
	}
	for _, msg := range messages {
		_ = r.RouteMessage(context.Background(), msg)

		m := r.Metrics()
		assert.GreaterOrEqual(t, m.TotalMessages, m.MessagesRouted+m.MessagesDropped,
			"totalMessages >= messagesRouted + messagesDropped must always hold")
	}

	m := r.Metrics()
	assert.Equal(t, uint64(5), m.TotalMessages)
	assert.Equal(t, uint64(3), m.MessagesRouted)
	assert.Equal(t, uint64(1), m.MessagesDropped)
	assert.Equal(t, uint64(1), m.ValidationErrors)
}

func TestDefaultRoutes(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	for _, msgType := range []string{TypeHeartbeat, TypePing, TypePong} {
		err := r.RouteMessage(context.Background(), NewMessage(FeatureSystem, msgType, nil))
		require.NoError(t, err, "default %s route must exist", msgType)
	}

	err := r.RouteMessage(context.Background(), NewMessage(FeatureSystem, TypeError, map[string]any{"other": 1}))
	require.Error(t, err, "system error route requires an error or message field")

	err = r.RouteMessage(context.Background(), NewMessage(FeatureSystem, TypeError, map[string]any{"message": "down"}))
	require.NoError(t, err)
}

func TestUnregisterRoute_RemovesWholeKey(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	noop := func(ctx context.Context, msg *Message) error { return nil }
	require.NoError(t, r.RegisterRoute(&Route{Feature: FeatureChat, MessageType: "message", Handler: noop, Priority: 1, Enabled: true}))
	require.NoError(t, r.RegisterRoute(&Route{Feature: FeatureChat, MessageType: "message", Handler: noop, Priority: 9, Enabled: true}))

	assert.True(t, r.UnregisterRoute(FeatureChat, "message"))
	assert.False(t, r.UnregisterRoute(FeatureChat, "message"))

	require.NoError(t, r.RouteMessage(context.Background(), chatMessage(nil)))
	assert.Equal(t, uint64(1), r.Metrics().MessagesDropped, "all priorities must be gone")
}

func TestEnableRoute_Toggles(t *testing.T) {
	r := newTestRouter(t, DefaultRouterConfig())

	var called atomic.Int32
	require.NoError(t, r.RegisterRoute(&Route{
		Feature:     FeatureChat,
		MessageType: "message",
		Handler: func(ctx context.Context, msg *Message) error {
			called.Add(1)
			return nil
		},
		Priority: 1,
		Enabled:  true,
	}))

	require.True(t, r.EnableRoute(FeatureChat, "message", false))
	require.NoError(t, r.RouteMessage(context.Background(), chatMessage(nil)))
	assert.Equal(t, int32(0), called.Load())

	require.True(t, r.EnableRoute(FeatureChat, "message", true))
	require.NoError(t, r.RouteMessage(context.Background(), chatMessage(nil)))
	assert.Equal(t, int32(1), called.Load())

	assert.False(t, r.EnableRoute("nowhere", "nothing", true))
}

func TestDeadLetterQueue_Capped(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.MaxDeadLetterMessages = 3
	r := newTestRouter(t, cfg)

	for i := 0; i < 5; i++ {
		_ = r.RouteMessage(context.Background(), NewMessage("nowhere", "nothing", nil))
	}
	assert.Len(t, r.DeadLetterQueue(), 3, "queue keeps only the most recent failures")
}
