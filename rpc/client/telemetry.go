package client

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// telemetry holds the client side metrics. They live in a registry of their
// own, so an application can report them however it likes.
type telemetry struct {
	registry   gometrics.Registry
	sent       gometrics.Meter
	received   gometrics.Meter
	applied    gometrics.Meter
	outbox     gometrics.Gauge
	checkout   gometrics.Timer
	reconnects gometrics.Counter
}

func newTelemetry() *telemetry {
	r := gometrics.NewRegistry()
	return &telemetry{
		registry:   r,
		sent:       gometrics.NewRegisteredMeter("tkv.client.bytes_sent", r),
		received:   gometrics.NewRegisteredMeter("tkv.client.bytes_received", r),
		applied:    gometrics.NewRegisteredMeter("tkv.client.updates_applied", r),
		outbox:     gometrics.NewRegisteredGauge("tkv.client.outbox", r),
		checkout:   gometrics.NewRegisteredTimer("tkv.client.checkout", r),
		reconnects: gometrics.NewRegisteredCounter("tkv.client.reconnects", r),
	}
}

// Telemetry returns the metrics registry of the client:
//
//	tkv.client.bytes_sent        meter, serialized request bytes
//	tkv.client.bytes_received    meter, response and push bytes
//	tkv.client.updates_applied   meter, streamed changes applied locally
//	tkv.client.outbox            gauge, offline creations waiting for replay
//	tkv.client.checkout          timer, checkout round trips
//	tkv.client.reconnects        counter, sessions opened after the first
func (c *Client) Telemetry() gometrics.Registry {
	return c.metrics.registry
}
