package redis

import "strconv"

// Key and channel names shared with the dashboard and other backend
// instances. Changing any format string here is a wire-compatibility
// break.
const (
	ConnectionsKey = "connections:active"
	AlertQueueKey  = "alerts:queue"

	// AlertChannel carries every alert cluster-wide.
	AlertChannel = "alerts:all"

	// BroadcastChannel carries messages addressed to every subscriber.
	BroadcastChannel = "broadcast:all"
)

// StreamKey is the raw-sample stream for one sensor.
func StreamKey(sensorID int) string {
	return "stream:sensor:" + strconv.Itoa(sensorID)
}

// FeaturesKey is the latest-feature hash for one sensor.
func FeaturesKey(sensorID int) string {
	return "features:sensor:" + strconv.Itoa(sensorID) + ":latest"
}

// StatusKey is the liveness hash for one sensor.
func StatusKey(sensorID int) string {
	return "status:sensor:" + strconv.Itoa(sensorID)
}

// FeatureChannel carries feature records for one sensor.
func FeatureChannel(sensorID int) string {
	return "sensor:" + strconv.Itoa(sensorID) + ":features"
}

// DataChannel carries raw data notifications for one sensor.
func DataChannel(sensorID int) string {
	return "sensor:" + strconv.Itoa(sensorID) + ":data"
}
