package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"vibrationd/internal/metrics"
	"vibrationd/internal/model"
	"vibrationd/internal/store/redis"
)

// Bridge relays Redis pub/sub traffic into the local hub so subscribers
// on this instance see messages originated on any instance. Relayed
// messages are never published again; the originating instance is the
// only publisher of each message.
type Bridge struct {
	hub     *Hub
	cache   model.Cache
	metrics *metrics.Metrics

	mu      sync.Mutex
	stream  model.MessageStream
	watched map[int]bool

	done chan struct{}
}

// NewBridge creates a bridge for the given hub.
func NewBridge(h *Hub, cache model.Cache, m *metrics.Metrics) *Bridge {
	return &Bridge{
		hub:     h,
		cache:   cache,
		metrics: m,
		watched: make(map[int]bool),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the cluster-wide channels and launches the relay
// loop. Sensor channels are added later as subscribers arrive.
func (b *Bridge) Start(ctx context.Context) error {
	stream, err := b.cache.Subscribe(ctx, redis.BroadcastChannel, redis.AlertChannel)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.stream = stream
	b.mu.Unlock()

	go b.loop()
	slog.Info("pubsub bridge started", "channels", []string{redis.BroadcastChannel, redis.AlertChannel})
	return nil
}

// WatchSensor adds the sensor's feature and data channels to the
// subscription. Idempotent; repeat watches are free.
func (b *Bridge) WatchSensor(ctx context.Context, sensorID int) {
	b.mu.Lock()
	if b.stream == nil || b.watched[sensorID] {
		b.mu.Unlock()
		return
	}
	b.watched[sensorID] = true
	stream := b.stream
	b.mu.Unlock()

	err := stream.Add(ctx, redis.FeatureChannel(sensorID), redis.DataChannel(sensorID))
	if err != nil {
		slog.Error("bridge channel add failed", "sensor_id", sensorID, "error", err)
		b.mu.Lock()
		delete(b.watched, sensorID)
		b.mu.Unlock()
		return
	}
	slog.Info("bridge watching sensor", "sensor_id", sensorID)
}

// Stop tears down the subscription and waits briefly for the relay loop
// to drain.
func (b *Bridge) Stop() {
	b.mu.Lock()
	stream := b.stream
	b.stream = nil
	b.mu.Unlock()
	if stream == nil {
		return
	}
	stream.Close()

	select {
	case <-b.done:
	case <-time.After(time.Second):
		slog.Warn("bridge loop did not drain in time")
	}
}

func (b *Bridge) loop() {
	defer close(b.done)

	b.mu.Lock()
	stream := b.stream
	b.mu.Unlock()
	if stream == nil {
		return
	}

	for msg := range stream.Messages() {
		b.dispatch(msg)
	}
}

// dispatch relays one message into the local hub. Payloads that fail to
// decode are logged and skipped; one bad publisher must not take the
// relay down.
func (b *Bridge) dispatch(msg model.PubSubMessage) {
	switch msg.Channel {
	case redis.BroadcastChannel:
		if !json.Valid(msg.Payload) {
			b.decodeFailure(msg.Channel)
			return
		}
		b.hub.broadcastAll(msg.Payload, "")
		b.count("broadcast")

	case redis.AlertChannel:
		var a model.Alert
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			b.decodeFailure(msg.Channel)
			return
		}
		envelope, _ := json.Marshal(map[string]interface{}{
			"type": "alert",
			"data": &a,
		})
		b.hub.broadcastAll(envelope, "")
		b.count("alert")

	default:
		sensorID, kind, ok := parseSensorChannel(msg.Channel)
		if !ok {
			slog.Debug("bridge ignoring channel", "channel", msg.Channel)
			return
		}
		if !json.Valid(msg.Payload) {
			b.decodeFailure(msg.Channel)
			return
		}
		b.hub.broadcastToSensor(sensorID, msg.Payload, "")
		b.count(kind)
	}
}

func (b *Bridge) decodeFailure(channel string) {
	slog.Warn("bridge payload decode failed", "channel", channel)
	if b.metrics != nil {
		b.metrics.BridgeDecodeFail.Inc()
	}
}

func (b *Bridge) count(kind string) {
	if b.metrics != nil {
		b.metrics.BridgeMessages.WithLabelValues(kind).Inc()
	}
}

// parseSensorChannel parses "sensor:{id}:features" or "sensor:{id}:data".
func parseSensorChannel(channel string) (sensorID int, kind string, ok bool) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "sensor" {
		return 0, "", false
	}
	if parts[2] != "features" && parts[2] != "data" {
		return 0, "", false
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil || id <= 0 {
		return 0, "", false
	}
	return id, parts[2], true
}
