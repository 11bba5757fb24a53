// Package mqtt provides MQTT client connectivity for AgriLogic Core.
//
// MQTT is the bus between the rule engine and the farm: device commands go
// out to actuator gateways, sensor snapshots come in from the ingestion
// pipeline, and app/dashboard notifications go out to subscribers.
//
// The client reconnects with backoff, restores subscriptions after a
// reconnect, and registers a Last Will so subscribers see the engine go
// offline. Use TLS (cfg.Broker.TLS) outside local development.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllSnapshots(), 1, cache.HandleMessage)
package mqtt
