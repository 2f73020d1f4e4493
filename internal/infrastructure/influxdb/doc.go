// Package influxdb exports apilink telemetry to InfluxDB 2.x.
//
// It wraps influxdb-client-go v2 with connection management, batched
// non-blocking writes and health checks. Two measurements are written:
//
//   - api_operations: one point per collection HTTP operation, fed by
//     registering the Client as an apiclient.Observer
//   - rtc_connections: one point per real-time connection state change,
//     fed through rtc.Options.OnStateChange
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	coll, err := apiclient.NewCollection(collCfg, apiclient.WithObservers(client))
//
// Rejected batches are counted by Failures and passed to the SetOnError
// callback. Ping failures are returned directly.
package influxdb
