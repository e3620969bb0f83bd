// Package influxdb writes ingestion telemetry to InfluxDB v2.
//
// One point is written per committed batch: which device, which origin,
// how many fields were written and how many changed. Field values are
// never sent; the store remains the only place state lives.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	reconciler.OnApplied(client.OnApplied)
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Async write errors are delivered to the SetOnError
// callback.
package influxdb
