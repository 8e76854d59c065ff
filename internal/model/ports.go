package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the analyzer, hub and ingest path from the
// concrete Redis and PostgreSQL clients. Tests substitute fakes.

// Cache is the fast secondary store (Redis): sample streams, feature and
// status hashes, pub/sub, alert queue and connection tracking. Every
// method is best-effort; failures wrap ErrCacheUnavailable and never
// gate the authoritative in-memory path.
type Cache interface {
	// AppendSamples appends a batch to stream:sensor:{id} in one
	// pipelined round-trip, preserving batch order.
	AppendSamples(ctx context.Context, sensorID int, samples []Sample) error

	// CacheFeatures writes the most recent feature record to
	// features:sensor:{id}:latest with a short TTL.
	CacheFeatures(ctx context.Context, rec *FeatureRecord) error

	// UpdateSensorStatus writes the status:sensor:{id} hash.
	UpdateSensorStatus(ctx context.Context, sensorID int, streaming bool, connections int) error

	// AddConnection / RemoveConnection maintain the connections:active set.
	AddConnection(ctx context.Context, connectionID string) error
	RemoveConnection(ctx context.Context, connectionID string) error

	// PushAlert appends an alert to the alerts:queue list.
	PushAlert(ctx context.Context, a *Alert) error

	// Publish sends a self-delimiting JSON payload on a pub/sub channel.
	// Fire-and-forget: no receipt confirmation.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a message stream over the given channels.
	// Single-consumer; ends on Close.
	Subscribe(ctx context.Context, channels ...string) (MessageStream, error)
}

// PubSubMessage is one message received from a pub/sub subscription.
type PubSubMessage struct {
	Channel string
	Payload []byte
}

// MessageStream is a lazy, single-consumer sequence of pub/sub messages.
type MessageStream interface {
	// Messages returns the receive channel. It is closed after Close.
	Messages() <-chan PubSubMessage

	// Add subscribes the stream to additional channels.
	Add(ctx context.Context, channels ...string) error

	// Close tears down the subscription and closes the message channel.
	Close() error
}

// FeatureStore is the durable-store surface used by the analyzer.
type FeatureStore interface {
	// InsertFeatures persists one feature record with native timestamps.
	InsertFeatures(ctx context.Context, rec *FeatureRecord) error

	// GetAlertConfigurations returns the enabled threshold rules for a sensor.
	GetAlertConfigurations(ctx context.Context, sensorID int) ([]AlertConfiguration, error)

	// CreateAlert persists an alert and returns its server-assigned id.
	CreateAlert(ctx context.Context, a *Alert) (int64, error)
}

// SampleArchiver receives raw sample batches for offline archival.
// Run blocks until ctx is cancelled or the channel is closed.
type SampleArchiver interface {
	Run(ctx context.Context, batches <-chan SampleBatch)
	Close() error
}

// Broadcaster is the fan-out surface the analyzer publishes into.
type Broadcaster interface {
	// BroadcastFeatureUpdate delivers a feature record to the sensor's
	// subscribers and bridges it to other instances.
	BroadcastFeatureUpdate(sensorID int, rec *FeatureRecord)

	// BroadcastAlert delivers an alert to every subscriber and to the
	// cluster-wide alert channel.
	BroadcastAlert(a *Alert)
}
