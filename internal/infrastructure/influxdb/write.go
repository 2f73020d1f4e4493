package influxdb

import (
	"context"
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/apilink/internal/apiclient"
	"github.com/nerrad567/apilink/internal/rtc"
)

// Measurement names.
const (
	MeasurementOperations  = "api_operations"
	MeasurementConnections = "rtc_connections"
)

// WriteOperation records one collection HTTP operation.
//
// Tags: collection, operation, kind, method, status.
// Fields: duration_ms, cached, error.
func (c *Client) WriteOperation(ev apiclient.OperationEvent) {
	if !c.IsConnected() {
		return
	}

	ts := ev.Time
	if ts.IsZero() {
		ts = c.now()
	}

	point := write.NewPoint(
		MeasurementOperations,
		map[string]string{
			"collection": ev.Collection,
			"operation":  ev.Operation,
			"kind":       string(ev.Kind),
			"method":     ev.Method,
			"status":     strconv.Itoa(ev.Status),
		},
		map[string]any{
			"duration_ms": float64(ev.Duration) / float64(time.Millisecond),
			"cached":      ev.Cached,
			"error":       ev.Err != nil,
		},
		ts,
	)

	c.writer.WritePoint(point)
}

// ObserveOperation implements apiclient.Observer.
func (c *Client) ObserveOperation(_ context.Context, ev apiclient.OperationEvent) {
	c.WriteOperation(ev)
}

// WriteConnectionState records a real-time connection state transition.
// Its signature matches rtc.Options.OnStateChange.
func (c *Client) WriteConnectionState(socket string, state rtc.State) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		MeasurementConnections,
		map[string]string{
			"socket": socket,
		},
		map[string]any{
			"state":     state.String(),
			"connected": state == rtc.StateConnected,
		},
		c.now(),
	)

	c.writer.WritePoint(point)
}

// WritePoint writes a custom point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, c.now())
}

// WritePointWithTime writes a custom point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
