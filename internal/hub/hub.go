// Package hub fans feature updates and alerts out to WebSocket
// subscribers and bridges them across backend instances over Redis
// pub/sub. A subscriber follows one sensor or, with sensor id 0, every
// sensor.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vibrationd/internal/metrics"
	"vibrationd/internal/model"
	"vibrationd/internal/store/redis"
)

// AllSensors subscribes a client to every sensor's updates.
const AllSensors = 0

// ErrClosed is returned by Subscriber.Send once the peer is gone. The
// hub removes such subscribers on the spot.
var ErrClosed = errors.New("subscriber closed")

// ErrSlowConsumer is returned when a subscriber's send buffer is full.
// The message is dropped; the subscriber stays connected.
var ErrSlowConsumer = errors.New("subscriber buffer full")

// Subscriber is one delivery target. Send must not block.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
}

// Hub is the fan-out core. All delivery is local; cross-instance
// propagation happens by publishing each locally-originated message to
// Redis exactly once, and never re-publishing messages that arrived
// from the bridge.
type Hub struct {
	cache   model.Cache
	metrics *metrics.Metrics

	mu           sync.RWMutex
	subsBySensor map[int]map[Subscriber]bool
	subToSensor  map[Subscriber]int

	// bridge is consulted on connect so the instance starts listening
	// to the sensor's channels cluster-wide. Nil in single-instance
	// deployments.
	bridge *Bridge
}

// New creates a hub over the given cache. m may be nil.
func New(cache model.Cache, m *metrics.Metrics) *Hub {
	return &Hub{
		cache:        cache,
		metrics:      m,
		subsBySensor: make(map[int]map[Subscriber]bool),
		subToSensor:  make(map[Subscriber]int),
	}
}

// AttachBridge wires the pub/sub bridge. Must be called before Connect.
func (h *Hub) AttachBridge(b *Bridge) {
	h.bridge = b
}

// Connect registers a subscriber for one sensor (or AllSensors).
func (h *Hub) Connect(ctx context.Context, sub Subscriber, sensorID int) {
	h.mu.Lock()
	if h.subsBySensor[sensorID] == nil {
		h.subsBySensor[sensorID] = make(map[Subscriber]bool)
	}
	h.subsBySensor[sensorID][sub] = true
	h.subToSensor[sub] = sensorID
	sensorConns := len(h.subsBySensor[sensorID])
	total := len(h.subToSensor)
	h.mu.Unlock()

	if err := h.cache.AddConnection(ctx, sub.ID()); err != nil {
		slog.Debug("connection track failed", "connection_id", sub.ID(), "error", err)
	}
	if sensorID != AllSensors {
		if err := h.cache.UpdateSensorStatus(ctx, sensorID, true, sensorConns); err != nil {
			slog.Debug("status update failed", "sensor_id", sensorID, "error", err)
		}
		if h.bridge != nil {
			h.bridge.WatchSensor(ctx, sensorID)
		}
	}

	if h.metrics != nil {
		h.metrics.ActiveSubscribers.Set(float64(total))
	}
	slog.Info("subscriber connected", "connection_id", sub.ID(), "sensor_id", sensorID, "total", total)
}

// Disconnect removes a subscriber. Safe to call twice.
func (h *Hub) Disconnect(sub Subscriber) {
	h.mu.Lock()
	sensorID, known := h.subToSensor[sub]
	if !known {
		h.mu.Unlock()
		return
	}
	delete(h.subToSensor, sub)
	delete(h.subsBySensor[sensorID], sub)
	if len(h.subsBySensor[sensorID]) == 0 {
		delete(h.subsBySensor, sensorID)
	}
	sensorConns := len(h.subsBySensor[sensorID])
	total := len(h.subToSensor)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.cache.RemoveConnection(ctx, sub.ID()); err != nil {
		slog.Debug("connection untrack failed", "connection_id", sub.ID(), "error", err)
	}
	if sensorID != AllSensors {
		if err := h.cache.UpdateSensorStatus(ctx, sensorID, true, sensorConns); err != nil {
			slog.Debug("status update failed", "sensor_id", sensorID, "error", err)
		}
	}

	if h.metrics != nil {
		h.metrics.ActiveSubscribers.Set(float64(total))
	}
	slog.Info("subscriber disconnected", "connection_id", sub.ID(), "sensor_id", sensorID, "total", total)
}

// SendPersonal delivers a message to a single subscriber.
func (h *Hub) SendPersonal(sub Subscriber, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sub.Send(payload)
}

// BroadcastFeatureUpdate delivers a feature record to the sensor's
// subscribers and publishes it for other instances.
func (h *Hub) BroadcastFeatureUpdate(sensorID int, rec *model.FeatureRecord) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":      "feature_update",
		"sensor_id": sensorID,
		"data":      rec,
	})
	if err != nil {
		slog.Error("feature envelope marshal failed", "sensor_id", sensorID, "error", err)
		return
	}
	h.broadcastToSensor(sensorID, payload, redis.FeatureChannel(sensorID))
}

// BroadcastSensorData delivers a raw-data notification to the sensor's
// subscribers and publishes it for other instances.
func (h *Hub) BroadcastSensorData(sensorID int, payload []byte) {
	h.broadcastToSensor(sensorID, payload, redis.DataChannel(sensorID))
}

// BroadcastAlert delivers an alert to every subscriber and publishes the
// bare alert on the cluster-wide channel. The cluster channel is the
// only cross-instance path for alerts; publishing them on the broadcast
// channel as well would deliver every alert twice remotely.
func (h *Hub) BroadcastAlert(a *model.Alert) {
	envelope, err := json.Marshal(map[string]interface{}{
		"type": "alert",
		"data": a,
	})
	if err != nil {
		slog.Error("alert envelope marshal failed", "sensor_id", a.SensorID, "error", err)
		return
	}
	h.broadcastAll(envelope, "")

	bare, _ := json.Marshal(a)
	h.publish(redis.AlertChannel, bare)
}

// BroadcastAll delivers a message to every subscriber and publishes it
// on the cluster-wide broadcast channel.
func (h *Hub) BroadcastAll(payload []byte) {
	h.broadcastAll(payload, redis.BroadcastChannel)
}

// broadcastToSensor delivers to the sensor's subscribers plus the
// all-sensor subscribers. publishChannel is empty for bridge-received
// messages so they are never amplified back into pub/sub.
func (h *Hub) broadcastToSensor(sensorID int, payload []byte, publishChannel string) {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subsBySensor[sensorID])+len(h.subsBySensor[AllSensors]))
	for sub := range h.subsBySensor[sensorID] {
		targets = append(targets, sub)
	}
	if sensorID != AllSensors {
		for sub := range h.subsBySensor[AllSensors] {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, payload)

	if publishChannel != "" {
		h.publish(publishChannel, payload)
	}
}

// broadcastAll delivers to every subscriber regardless of sensor.
func (h *Hub) broadcastAll(payload []byte, publishChannel string) {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subToSensor))
	for sub := range h.subToSensor {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	h.deliver(targets, payload)

	if publishChannel != "" {
		h.publish(publishChannel, payload)
	}
}

// deliver sends to each target outside the lock. Dead subscribers are
// collected and removed afterwards; slow ones just lose the message.
func (h *Hub) deliver(targets []Subscriber, payload []byte) {
	var dead []Subscriber
	for _, sub := range targets {
		switch err := sub.Send(payload); {
		case err == nil:
		case errors.Is(err, ErrSlowConsumer):
			if h.metrics != nil {
				h.metrics.BroadcastDrops.Inc()
			}
		default:
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		h.Disconnect(sub)
	}
}

func (h *Hub) publish(channel string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.cache.Publish(ctx, channel, payload); err != nil {
		slog.Debug("publish failed", "channel", channel, "error", err)
		if h.metrics != nil {
			h.metrics.CacheErrors.Inc()
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subToSensor)
}

// SensorSubscribers returns how many subscribers follow one sensor
// directly (all-sensor subscribers not included).
func (h *Hub) SensorSubscribers(sensorID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subsBySensor[sensorID])
}
