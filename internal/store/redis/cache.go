// Package redis implements the secondary cache: raw-sample streams,
// latest-feature and status hashes, the alert queue, connection tracking
// and the pub/sub fabric that links instances together. Every write is
// best-effort; the in-memory ring buffers stay authoritative.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"vibrationd/internal/model"
)

const (
	// Stream retention: trimmed by length and expired by time.
	streamMaxLen = 100000
	streamTTL    = 24 * time.Hour

	featuresTTL = 5 * time.Minute
	statusTTL   = 60 * time.Second

	// Breaker tuning: trip after breakerFailures consecutive write
	// failures, probe again after breakerProbeAfter.
	breakerFailures   = 5
	breakerProbeAfter = 10 * time.Second
)

// ClientConfig configures the cache client.
type ClientConfig struct {
	// URL is a redis:// connection string.
	URL string
}

// Client is the go-redis backed cache. Implements model.Cache. Writes
// run through a circuit breaker so a dead Redis degrades to a cheap
// rejection instead of a timeout on every hot-path call.
type Client struct {
	rdb     *goredis.Client
	breaker *Breaker
}

// Redis returns the underlying client for health checks.
func (c *Client) Redis() *goredis.Client { return c.rdb }

// New creates a cache client and pings the server.
func New(cfg ClientConfig) (*Client, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	breaker := NewBreaker(breakerFailures, breakerProbeAfter)
	breaker.OnStateChange = func(from, to BreakerState) {
		slog.Warn("cache breaker state changed", "from", from.String(), "to", to.String())
	}

	slog.Info("redis connected", "addr", opts.Addr)
	return &Client{rdb: rdb, breaker: breaker}, nil
}

// guarded runs a cache write through the breaker and normalizes its
// failure to the cache-unavailable sentinel.
func (c *Client) guarded(op string, fn func() error) error {
	err := c.breaker.Do(fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrCacheUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", model.ErrCacheUnavailable, op, err)
}

// AppendSamples appends a batch to the sensor's stream in one pipelined
// round-trip: one XADD per sample, then a sliding TTL refresh and a
// length trim. Batch order is preserved.
func (c *Client) AppendSamples(ctx context.Context, sensorID int, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	key := StreamKey(sensorID)
	pipe := c.rdb.Pipeline()
	for i := range samples {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: key,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: sampleValues(&samples[i]),
		})
	}
	pipe.Expire(ctx, key, streamTTL)

	return c.guarded(fmt.Sprintf("stream append sensor %d", sensorID), func() error {
		_, err := pipe.Exec(ctx)
		return err
	})
}

// CacheFeatures writes the latest feature record as a hash with a short
// TTL so dashboards can poll without touching the durable store.
func (c *Client) CacheFeatures(ctx context.Context, rec *model.FeatureRecord) error {
	key := FeaturesKey(rec.SensorID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, featureHash(rec))
	pipe.Expire(ctx, key, featuresTTL)

	return c.guarded(fmt.Sprintf("feature cache sensor %d", rec.SensorID), func() error {
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LatestFeatures reads the cached feature hash for a sensor. Returns
// nil when the key is absent or has expired.
func (c *Client) LatestFeatures(ctx context.Context, sensorID int) (*model.FeatureRecord, error) {
	fields, err := c.rdb.HGetAll(ctx, FeaturesKey(sensorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: feature read sensor %d: %v", model.ErrCacheUnavailable, sensorID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return featureFromHash(fields)
}

// UpdateSensorStatus writes the sensor's liveness hash. The TTL doubles
// as a dead-sensor signal: when updates stop the key ages out.
func (c *Client) UpdateSensorStatus(ctx context.Context, sensorID int, streaming bool, connections int) error {
	key := StatusKey(sensorID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"sensor_id":   strconv.Itoa(sensorID),
		"streaming":   strconv.FormatBool(streaming),
		"connections": strconv.Itoa(connections),
		"last_update": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, statusTTL)

	return c.guarded(fmt.Sprintf("status sensor %d", sensorID), func() error {
		_, err := pipe.Exec(ctx)
		return err
	})
}

// AddConnection registers a live WebSocket connection id.
func (c *Client) AddConnection(ctx context.Context, connectionID string) error {
	return c.guarded("connection add", func() error {
		return c.rdb.SAdd(ctx, ConnectionsKey, connectionID).Err()
	})
}

// RemoveConnection deregisters a WebSocket connection id.
func (c *Client) RemoveConnection(ctx context.Context, connectionID string) error {
	return c.guarded("connection remove", func() error {
		return c.rdb.SRem(ctx, ConnectionsKey, connectionID).Err()
	})
}

// PushAlert appends an alert to the shared queue for external consumers.
func (c *Client) PushAlert(ctx context.Context, a *model.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert marshal: %w", err)
	}
	return c.guarded("alert push", func() error {
		return c.rdb.LPush(ctx, AlertQueueKey, payload).Err()
	})
}

// Publish sends a payload on a pub/sub channel. Fire-and-forget.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.guarded("publish "+channel, func() error {
		return c.rdb.Publish(ctx, channel, payload).Err()
	})
}

// Subscribe opens a message stream over the given channels.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (model.MessageStream, error) {
	ps := c.rdb.Subscribe(ctx, channels...)

	// Force the subscription to be established before returning so a
	// publish racing the subscribe is not silently lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", model.ErrCacheUnavailable, err)
	}

	s := &stream{ps: ps, out: make(chan model.PubSubMessage, 256)}
	go s.pump()
	return s, nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// stream adapts goredis.PubSub to model.MessageStream.
type stream struct {
	ps  *goredis.PubSub
	out chan model.PubSubMessage
}

func (s *stream) pump() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		s.out <- model.PubSubMessage{Channel: m.Channel, Payload: []byte(m.Payload)}
	}
}

func (s *stream) Messages() <-chan model.PubSubMessage { return s.out }

func (s *stream) Add(ctx context.Context, channels ...string) error {
	if err := s.ps.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("%w: subscribe add: %v", model.ErrCacheUnavailable, err)
	}
	return nil
}

func (s *stream) Close() error {
	return s.ps.Close()
}

// sampleValues builds the XADD field map for one sample.
func sampleValues(s *model.Sample) map[string]interface{} {
	return map[string]interface{}{
		"timestamp": s.TS.UTC().Format(time.RFC3339Nano),
		"h_acc":     strconv.FormatFloat(s.HAcc, 'g', -1, 64),
		"v_acc":     strconv.FormatFloat(s.VAcc, 'g', -1, 64),
	}
}

// featureFromHash is the inverse of featureHash.
func featureFromHash(fields map[string]string) (*model.FeatureRecord, error) {
	var firstErr error
	parseT := func(key string) time.Time {
		t, err := time.Parse(time.RFC3339Nano, fields[key])
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", key, err)
		}
		return t
	}
	parseF := func(key string) float64 {
		v, err := strconv.ParseFloat(fields[key], 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", key, err)
		}
		return v
	}

	rec := &model.FeatureRecord{
		SensorID:      int(parseF("sensor_id")),
		WindowStart:   parseT("window_start"),
		WindowEnd:     parseT("window_end"),
		Timestamp:     parseT("timestamp"),
		RMSH:          parseF("rms_h"),
		RMSV:          parseF("rms_v"),
		PeakH:         parseF("peak_h"),
		PeakV:         parseF("peak_v"),
		KurtosisH:     parseF("kurtosis_h"),
		KurtosisV:     parseF("kurtosis_v"),
		CrestFactorH:  parseF("crest_factor_h"),
		CrestFactorV:  parseF("crest_factor_v"),
		DominantFreqH: parseF("dominant_freq_h"),
		DominantFreqV: parseF("dominant_freq_v"),
	}
	if firstErr != nil {
		return nil, fmt.Errorf("feature hash decode: %w", firstErr)
	}
	return rec, nil
}

// featureHash builds the HSET field map for a feature record.
func featureHash(rec *model.FeatureRecord) map[string]interface{} {
	return map[string]interface{}{
		"sensor_id":       strconv.Itoa(rec.SensorID),
		"window_start":    rec.WindowStart.UTC().Format(time.RFC3339Nano),
		"window_end":      rec.WindowEnd.UTC().Format(time.RFC3339Nano),
		"timestamp":       rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"rms_h":           strconv.FormatFloat(rec.RMSH, 'g', -1, 64),
		"rms_v":           strconv.FormatFloat(rec.RMSV, 'g', -1, 64),
		"peak_h":          strconv.FormatFloat(rec.PeakH, 'g', -1, 64),
		"peak_v":          strconv.FormatFloat(rec.PeakV, 'g', -1, 64),
		"kurtosis_h":      strconv.FormatFloat(rec.KurtosisH, 'g', -1, 64),
		"kurtosis_v":      strconv.FormatFloat(rec.KurtosisV, 'g', -1, 64),
		"crest_factor_h":  strconv.FormatFloat(rec.CrestFactorH, 'g', -1, 64),
		"crest_factor_v":  strconv.FormatFloat(rec.CrestFactorV, 'g', -1, 64),
		"dominant_freq_h": strconv.FormatFloat(rec.DominantFreqH, 'g', -1, 64),
		"dominant_freq_v": strconv.FormatFloat(rec.DominantFreqV, 'g', -1, 64),
	}
}
