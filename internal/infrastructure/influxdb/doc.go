// Package influxdb provides InfluxDB connectivity for AgriLogic Core.
//
// It wraps influxdb-client-go v2 with connection management, batched
// non-blocking writes, and health checks, and stores two measurements:
//
//   - rule_event: structured records from rule data actions, tagged by
//     rule, farm, block, event type, and the analytics flag
//   - rule_execution: one timing point per execution-audit entry
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	rec := influxdb.NewRecorder(client)
//	executions := influxdb.NewExecutionTee(sqliteRepo, rec)
//
// Write errors are delivered asynchronously through SetOnError.
package influxdb
