package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fluxlink/fluxlink/internal/core/cache"
	"github.com/fluxlink/fluxlink/internal/core/observability/log"
)

// MessageRouter maps (feature, message type) keys to registered routes and
// executes the best enabled route for each message, applying validation,
// transformation and a processing timeout. Failed and unroutable messages
// can be held in an in-memory dead-letter queue for manual retry.
type MessageRouter struct {
	config RouterConfig
	logger log.Log
	cache  *cache.Cache

	mu     sync.RWMutex
	routes map[string][]*Route

	// statsMu guards the counters, the feature breakdown and the
	// dead-letter queue so ClearMetrics can reset them as one operation.
	statsMu     sync.Mutex
	total       uint64
	routed      uint64
	dropped     uint64
	validation  uint64
	transform   uint64
	avgTime     time.Duration
	features    map[string]*FeatureStats
	deadLetters []*DeadLetter
}

// routeAudit is the value cached after a successful routing pass.
type routeAudit struct {
	Original  *Message  `json:"original"`
	Processed *Message  `json:"processed"`
	Route     string    `json:"route"`
	Priority  int       `json:"priority"`
	RoutedAt  time.Time `json:"routed_at"`
}

// NewMessageRouter creates a router with the default system routes
// registered.
func NewMessageRouter(cfg RouterConfig, store *cache.Store, logger log.Log) *MessageRouter {
	r := &MessageRouter{
		config:   cfg,
		logger:   logger.With(log.String("component", "message_router")),
		cache:    store.Namespace("router"),
		routes:   make(map[string][]*Route),
		features: make(map[string]*FeatureStats),
	}
	r.registerDefaultRoutes()
	return r
}

// RegisterRoute adds a route for its (feature, type) key. Registrations for
// the same key accumulate as alternatives; the key's list is re-sorted by
// descending priority after every registration.
func (r *MessageRouter) RegisterRoute(route *Route) error {
	if err := route.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := route.Key()
	r.routes[key] = append(r.routes[key], route)
	sort.SliceStable(r.routes[key], func(i, j int) bool {
		return r.routes[key][i].Priority > r.routes[key][j].Priority
	})

	r.logger.Debug("Route registered",
		log.String("key", key),
		log.Int("priority", route.Priority),
		log.Int("alternatives", len(r.routes[key])))

	return nil
}

// UnregisterRoute removes every route registered for the key, all
// priorities included. Returns true if the key existed.
func (r *MessageRouter) UnregisterRoute(feature, messageType string) bool {
	key := feature + ":" + messageType

	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.routes[key]
	delete(r.routes, key)
	if existed {
		r.logger.Debug("Route unregistered", log.String("key", key))
	}
	return existed
}

// EnableRoute toggles every route registered for the key. Returns true if
// the key existed.
func (r *MessageRouter) EnableRoute(feature, messageType string, enabled bool) bool {
	key := feature + ":" + messageType

	r.mu.Lock()
	defer r.mu.Unlock()

	routes, existed := r.routes[key]
	for _, route := range routes {
		route.Enabled = enabled
	}
	return existed
}

// RouteMessage routes a single message. Unroutable messages are dropped and
// recorded without an error; validation, transformation, timeout and
// handler failures are surfaced to the caller after being recorded.
func (r *MessageRouter) RouteMessage(ctx context.Context, msg *Message) error {
	_, err := r.routeMessage(ctx, msg, r.config.EnableDeadLetterQueue)
	return err
}

// routeMessage is the single-route pipeline. deadLetter controls whether
// failures are enqueued; the retry path manages the queue itself.
func (r *MessageRouter) routeMessage(ctx context.Context, msg *Message, deadLetter bool) (bool, error) {
	if msg.ID == "" {
		msg.ID = GenerateMessageID()
	}

	r.statsMu.Lock()
	r.total++
	r.statsMu.Unlock()

	start := time.Now()
	msg.SetMeta(MetaRoutedAt, start.Format(time.RFC3339Nano))
	msg.SetMeta(MetaProcessingStart, start.UnixMilli())

	route := r.selectRoute(msg.RouteKey())
	if route == nil {
		r.dropUnroutable(msg, deadLetter)
		return false, nil
	}

	original := msg

	// Validation
	if r.config.EnableValidation && route.Validator != nil {
		if !route.Validator(msg) {
			err := NewError(ErrorCodeValidationFailed,
				fmt.Sprintf("validation failed for %s", msg.RouteKey()), ErrValidationFailed)
			r.recordFailure(original, FailureValidation, err, deadLetter)
			return false, err
		}
	}

	// Transformation
	if r.config.EnableTransformation && route.Transformer != nil {
		transformed, err := route.Transformer(msg)
		if err != nil {
			wrapped := NewError(ErrorCodeTransformationFailed,
				fmt.Sprintf("transformation failed for %s", msg.RouteKey()), err)
			r.recordFailure(original, FailureTransformation, wrapped, deadLetter)
			return false, wrapped
		}
		msg = transformed
	}

	// Handler, raced against the processing timeout. The handler context
	// is cancelled on timeout but the handler itself is not aborted; a
	// slow handler finishes in the background after the caller has
	// already seen the timeout error.
	if err := r.invokeHandler(ctx, route, msg); err != nil {
		reason := FailureHandler
		if GetErrorCode(err) == ErrorCodeProcessingTimeout {
			reason = FailureTimeout
		}
		r.recordFailure(original, reason, err, deadLetter)
		return false, err
	}

	elapsed := time.Since(start)
	r.recordSuccess(original, msg, route, elapsed)
	return true, nil
}

// selectRoute returns the first enabled route in priority order for the
// key, or nil when no route applies.
func (r *MessageRouter) selectRoute(key string) *Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.routes[key] {
		if route.Enabled {
			return route
		}
	}
	return nil
}

func (r *MessageRouter) invokeHandler(ctx context.Context, route *Route, msg *Message) error {
	hctx, cancel := context.WithTimeout(ctx, r.config.MaxProcessingTime)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// A panicking handler must surface as a routing error, never
		// take the process down.
		defer func() {
			if p := recover(); p != nil {
				done <- NewError(ErrorCodeInternalError,
					fmt.Sprintf("handler panicked for %s: %v", msg.RouteKey(), p), nil)
			}
		}()
		done <- route.Handler(hctx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if cause := ctx.Err(); cause != nil {
			return NewError(ErrorCodeRoutingCancelled,
				fmt.Sprintf("routing %s cancelled", msg.RouteKey()), cause)
		}
		return NewError(ErrorCodeProcessingTimeout,
			fmt.Sprintf("processing %s exceeded %s", msg.RouteKey(), r.config.MaxProcessingTime),
			ErrProcessingTimeout)
	}
}

func (r *MessageRouter) dropUnroutable(msg *Message, deadLetter bool) {
	r.statsMu.Lock()
	r.dropped++
	if deadLetter {
		r.enqueueDeadLetterLocked(newDeadLetter(msg, FailureUnroutable, nil))
	}
	r.statsMu.Unlock()

	// Kept for later analysis of routes that should have existed.
	r.cache.Set("unroutable:"+msg.ID, msg, r.config.AuditCacheTTL)

	r.logger.Warn("No enabled route for message",
		log.String("key", msg.RouteKey()),
		log.String("message_id", msg.ID))
}

func (r *MessageRouter) recordFailure(msg *Message, reason FailureReason, err error, deadLetter bool) {
	r.statsMu.Lock()
	switch reason {
	case FailureValidation:
		r.validation++
	case FailureTransformation:
		r.transform++
	}
	stats := r.featureStatsLocked(msg.Feature)
	stats.Errors++
	if deadLetter {
		r.enqueueDeadLetterLocked(newDeadLetter(msg, reason, err))
	}
	r.statsMu.Unlock()

	r.logger.Error("Message routing failed",
		log.String("key", msg.RouteKey()),
		log.String("message_id", msg.ID),
		log.String("reason", string(reason)),
		log.Error(err))
}

func (r *MessageRouter) recordSuccess(original, processed *Message, route *Route, elapsed time.Duration) {
	r.statsMu.Lock()
	stats := r.featureStatsLocked(original.Feature)
	stats.AverageProcessingTime = cumulativeAverage(stats.AverageProcessingTime, stats.Messages, elapsed)
	stats.Messages++
	stats.LastMessageAt = time.Now()

	r.avgTime = cumulativeAverage(r.avgTime, r.routed, elapsed)
	r.routed++
	r.statsMu.Unlock()

	if r.config.EnableMetrics {
		r.cache.Set("audit:"+original.ID, &routeAudit{
			Original:  original,
			Processed: processed,
			Route:     route.Key(),
			Priority:  route.Priority,
			RoutedAt:  time.Now(),
		}, r.config.AuditCacheTTL)
	}

	r.logger.Debug("Message routed",
		log.String("key", original.RouteKey()),
		log.String("message_id", original.ID),
		log.Duration("elapsed", elapsed))
}

func (r *MessageRouter) featureStatsLocked(feature string) *FeatureStats {
	stats, ok := r.features[feature]
	if !ok {
		stats = &FeatureStats{}
		r.features[feature] = stats
	}
	return stats
}

func (r *MessageRouter) enqueueDeadLetterLocked(dl *DeadLetter) {
	if max := r.config.MaxDeadLetterMessages; max > 0 && len(r.deadLetters) >= max {
		// Drop the oldest entry to keep the most recent failures.
		r.deadLetters = r.deadLetters[1:]
	}
	r.deadLetters = append(r.deadLetters, dl)
}

// Metrics returns a snapshot of the routing metrics.
func (r *MessageRouter) Metrics() RoutingMetrics {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	features := make(map[string]FeatureStats, len(r.features))
	for feature, stats := range r.features {
		features[feature] = *stats
	}

	return RoutingMetrics{
		TotalMessages:         r.total,
		MessagesRouted:        r.routed,
		MessagesDropped:       r.dropped,
		ValidationErrors:      r.validation,
		TransformationErrors:  r.transform,
		AverageProcessingTime: r.avgTime,
		Features:              features,
	}
}

// ClearMetrics resets all counters, empties the feature breakdown and
// drops the dead-letter queue as a single operation.
func (r *MessageRouter) ClearMetrics() {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	r.total = 0
	r.routed = 0
	r.dropped = 0
	r.validation = 0
	r.transform = 0
	r.avgTime = 0
	r.features = make(map[string]*FeatureStats)
	r.deadLetters = nil
}

// DeadLetterQueue returns a snapshot copy of the dead-letter queue in
// arrival order.
func (r *MessageRouter) DeadLetterQueue() []DeadLetter {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	snapshot := make([]DeadLetter, len(r.deadLetters))
	for i, dl := range r.deadLetters {
		snapshot[i] = *dl
	}
	return snapshot
}

// ClearDeadLetterQueue empties the dead-letter queue.
func (r *MessageRouter) ClearDeadLetterQueue() {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.deadLetters = nil
}

// RetryDeadLetterMessages drains the queue and re-attempts each message
// sequentially. Messages that fail again, or remain unroutable, are
// re-enqueued with their attempt count incremented. Retry is never
// scheduled automatically; callers invoke it explicitly.
func (r *MessageRouter) RetryDeadLetterMessages(ctx context.Context) (succeeded, failed int) {
	r.statsMu.Lock()
	pending := r.deadLetters
	r.deadLetters = nil
	r.statsMu.Unlock()

	if len(pending) == 0 {
		return 0, 0
	}

	r.logger.Info("Retrying dead-letter messages", log.Int("count", len(pending)))

	for _, dl := range pending {
		handled, err := r.routeMessage(ctx, dl.Message, false)
		if handled && err == nil {
			succeeded++
			continue
		}

		failed++
		dl.Attempts++
		dl.LastAttemptAt = time.Now()
		if err != nil {
			dl.LastError = err.Error()
		}
		r.statsMu.Lock()
		r.enqueueDeadLetterLocked(dl)
		r.statsMu.Unlock()
	}

	r.logger.Info("Dead-letter retry finished",
		log.Int("succeeded", succeeded),
		log.Int("failed", failed))

	return succeeded, failed
}

// registerDefaultRoutes installs the system routes every router carries.
func (r *MessageRouter) registerDefaultRoutes() {
	cacheAndLog := func(ctx context.Context, msg *Message) error {
		r.cache.Set(msg.Type+":"+msg.ID, msg, r.config.AuditCacheTTL)
		r.logger.Debug("System message",
			log.String("type", msg.Type),
			log.String("message_id", msg.ID))
		return nil
	}

	for _, msgType := range []string{TypeHeartbeat, TypePing, TypePong} {
		_ = r.RegisterRoute(&Route{
			Feature:     FeatureSystem,
			MessageType: msgType,
			Handler:     cacheAndLog,
			Priority:    1,
			Enabled:     true,
		})
	}

	_ = r.RegisterRoute(&Route{
		Feature:     FeatureSystem,
		MessageType: TypeError,
		Handler: func(ctx context.Context, msg *Message) error {
			r.cache.Set("error:"+msg.ID, msg, r.config.AuditCacheTTL)
			r.logger.Error("System error message received",
				log.String("message_id", msg.ID),
				log.Any("payload", msg.Payload))
			return nil
		},
		Validator: func(msg *Message) bool {
			if msg.Payload == nil {
				return false
			}
			_, hasErr := msg.Payload["error"]
			_, hasMsg := msg.Payload["message"]
			return hasErr || hasMsg
		},
		Priority: 10,
		Enabled:  true,
	})
}
