// Package hub wires the messaging core together: connection service,
// message router, cache store and logger, plus the feature routes the
// application ships with (chat, notification, feed).
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxlink/fluxlink/internal/core/cache"
	"github.com/fluxlink/fluxlink/internal/core/observability/log"
	"github.com/fluxlink/fluxlink/internal/core/realtime"
)

const (
	chatCacheTTL         = 10 * time.Minute
	notificationCacheTTL = 10 * time.Minute
	feedCacheTTL         = 5 * time.Minute
)

// Hub is the composition root of the messaging core. It owns the shared
// cache store and bridges inbound messages from the connection service
// into the router.
type Hub struct {
	cfg    realtime.Config
	logger log.Log

	store      *cache.Store
	connection *realtime.ConnectionService
	router     *realtime.MessageRouter

	mu        sync.Mutex
	bridgeOff func()
}

// New builds a Hub with its collaborators and registers the feature routes.
func New(cfg realtime.Config, logger log.Log) *Hub {
	store := cache.NewStore()
	hubLogger := logger.With(log.String("component", "hub"))

	h := &Hub{
		cfg:        cfg,
		logger:     hubLogger,
		store:      store,
		connection: realtime.NewConnectionService(cfg.Connection, store, logger),
		router:     realtime.NewMessageRouter(cfg.Router, store, logger),
	}
	h.registerFeatureRoutes()
	return h
}

// Connect opens the connection and installs the inbound bridge that feeds
// received messages into the router.
func (h *Hub) Connect(ctx context.Context, token string, opts ...realtime.ConnectOption) error {
	h.ensureBridge()
	return h.connection.Connect(ctx, token, opts...)
}

// Disconnect tears the session down. The connection service clears all
// listeners, bridge included; a later Connect reinstalls it.
func (h *Hub) Disconnect() {
	h.connection.Disconnect()
	h.mu.Lock()
	h.bridgeOff = nil
	h.mu.Unlock()
}

// Close disconnects and releases the cache store's background resources.
func (h *Hub) Close() {
	h.Disconnect()
	h.store.Close()
}

// SendMessage sends a message over the connection.
func (h *Hub) SendMessage(msg *realtime.Message) error {
	return h.connection.SendMessage(msg)
}

// Subscribe registers a feature listener; the returned function
// unsubscribes it and is idempotent.
func (h *Hub) Subscribe(feature string, listener realtime.FeatureListener) func() {
	return h.connection.Subscribe(feature, listener)
}

// Unsubscribe removes all listeners for a feature.
func (h *Hub) Unsubscribe(feature string) {
	h.connection.Unsubscribe(feature)
}

// RegisterRoute adds a route to the router.
func (h *Hub) RegisterRoute(route *realtime.Route) error {
	return h.router.RegisterRoute(route)
}

// UnregisterRoute removes every route for the key.
func (h *Hub) UnregisterRoute(feature, messageType string) bool {
	return h.router.UnregisterRoute(feature, messageType)
}

// EnableRoute toggles every route for the key.
func (h *Hub) EnableRoute(feature, messageType string, enabled bool) bool {
	return h.router.EnableRoute(feature, messageType, enabled)
}

// Connection returns the underlying connection service.
func (h *Hub) Connection() *realtime.ConnectionService {
	return h.connection
}

// Router returns the underlying message router.
func (h *Hub) Router() *realtime.MessageRouter {
	return h.router
}

// Store returns the shared cache store.
func (h *Hub) Store() *cache.Store {
	return h.store
}

// ensureBridge installs the wildcard listener that routes every inbound
// message. Routing errors are logged, never propagated, so the receive
// loop cannot be broken by a failing route.
func (h *Hub) ensureBridge() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bridgeOff != nil {
		return
	}

	h.bridgeOff = h.connection.Subscribe(realtime.WildcardFeature, realtime.FeatureListener{
		OnMessage: func(msg *realtime.Message) {
			if err := h.router.RouteMessage(context.Background(), msg); err != nil {
				h.logger.Error("Inbound message failed routing",
					log.String("key", msg.RouteKey()),
					log.String("message_id", msg.ID),
					log.Error(err))
			}
		},
	})
}

// registerFeatureRoutes installs the application's feature routes.
func (h *Hub) registerFeatureRoutes() {
	chatCache := h.store.Namespace(realtime.FeatureChat)
	notificationCache := h.store.Namespace(realtime.FeatureNotification)
	feedCache := h.store.Namespace(realtime.FeatureFeed)

	_ = h.router.RegisterRoute(&realtime.Route{
		Feature:     realtime.FeatureChat,
		MessageType: "message",
		Validator: func(msg *realtime.Message) bool {
			chatID, ok := msg.Payload["chatId"].(string)
			return ok && chatID != ""
		},
		Handler: func(ctx context.Context, msg *realtime.Message) error {
			// Checked here as well as in the validator; validation can be
			// switched off by configuration.
			chatID, ok := msg.Payload["chatId"].(string)
			if !ok || chatID == "" {
				return errors.New("chat message has no chatId")
			}
			chatCache.Set(fmt.Sprintf("chat:%s:%s", chatID, msg.ID), msg, chatCacheTTL)
			return nil
		},
		Priority: 5,
		Enabled:  true,
	})

	_ = h.router.RegisterRoute(&realtime.Route{
		Feature:     realtime.FeatureNotification,
		MessageType: "push",
		Handler: func(ctx context.Context, msg *realtime.Message) error {
			notificationCache.Set("notification:"+msg.ID, msg, notificationCacheTTL)
			h.logger.Info("Notification received", log.String("message_id", msg.ID))
			return nil
		},
		Priority: 5,
		Enabled:  true,
	})

	_ = h.router.RegisterRoute(&realtime.Route{
		Feature:     realtime.FeatureFeed,
		MessageType: "update",
		Transformer: func(msg *realtime.Message) (*realtime.Message, error) {
			enriched := msg.Clone()
			enriched.SetMeta("enrichedAt", time.Now().Format(time.RFC3339Nano))
			return enriched, nil
		},
		Handler: func(ctx context.Context, msg *realtime.Message) error {
			// A feed update supersedes anything cached for the feed.
			feedCache.InvalidatePattern("feed:*")
			feedCache.Set("feed:"+msg.ID, msg, feedCacheTTL)
			return nil
		},
		Priority: 3,
		Enabled:  true,
	})
}
