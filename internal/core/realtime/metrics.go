package realtime

import "time"

// ConnectionMetrics is a snapshot of connection-level counters.
type ConnectionMetrics struct {
	State             ConnectionState `json:"state"`
	MessagesSent      uint64          `json:"messages_sent"`
	MessagesReceived  uint64          `json:"messages_received"`
	ParseErrors       uint64          `json:"parse_errors"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	AverageLatency    time.Duration   `json:"average_latency"`
	ConnectedAt       time.Time       `json:"connected_at"`
	LastMessageAt     time.Time       `json:"last_message_at"`
	ConnectionUptime  time.Duration   `json:"connection_uptime"`
}

// FeatureStats tracks per-feature routing activity.
type FeatureStats struct {
	Messages              uint64        `json:"messages"`
	Errors                uint64        `json:"errors"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	LastMessageAt         time.Time     `json:"last_message_at"`
}

// RoutingMetrics is a snapshot of router-level counters plus the
// per-feature breakdown.
type RoutingMetrics struct {
	TotalMessages         uint64                  `json:"total_messages"`
	MessagesRouted        uint64                  `json:"messages_routed"`
	MessagesDropped       uint64                  `json:"messages_dropped"`
	ValidationErrors      uint64                  `json:"validation_errors"`
	TransformationErrors  uint64                  `json:"transformation_errors"`
	AverageProcessingTime time.Duration           `json:"average_processing_time"`
	Features              map[string]FeatureStats `json:"features"`
}

// Latency smoothing weight: 90% previous average, 10% new sample.
const emaDecay = 0.9

// ema folds a new sample into an exponential moving average. The first
// sample seeds the average directly.
func ema(avg, sample time.Duration) time.Duration {
	if avg == 0 {
		return sample
	}
	return time.Duration(float64(avg)*emaDecay + float64(sample)*(1-emaDecay))
}

// cumulativeAverage folds a new sample into a simple running mean over
// count prior samples.
func cumulativeAverage(avg time.Duration, count uint64, sample time.Duration) time.Duration {
	if count == 0 {
		return sample
	}
	total := float64(avg)*float64(count) + float64(sample)
	return time.Duration(total / float64(count+1))
}
