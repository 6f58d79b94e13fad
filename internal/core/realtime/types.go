package realtime

import (
	"github.com/google/uuid"
)

// ConnectionState represents the current state of the managed connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

// ConnectionState string representation
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Well-known feature namespaces. Features are open-ended strings; these are
// the ones the application layer registers routes for.
const (
	FeatureSystem       = "system"
	FeatureChat         = "chat"
	FeatureNotification = "notification"
	FeatureFeed         = "feed"
)

// WildcardFeature subscribes a listener to messages of every feature.
const WildcardFeature = "*"

// System message types used by the default routes.
const (
	TypeHeartbeat = "heartbeat"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeError     = "error"
)

// Metadata keys stamped onto messages as they move through the pipeline.
const (
	MetaSentAt          = "sentAt"
	MetaRoutedAt        = "routedAt"
	MetaProcessingStart = "processingStartTime"
	MetaSource          = "source"
)

// GenerateMessageID generates a process-unique message ID.
func GenerateMessageID() string {
	return uuid.NewString()
}
