// Package scheduler drives evaluation cycles.
//
// Snapshots published by the telemetry collaborator on
// agrilogic/snapshot/{farm}/{block} are cached per scope. A cron schedule
// runs one cycle per configured scope on every tick using the latest
// cached snapshot. In push mode a snapshot is also evaluated as soon as it
// arrives.
//
// A scope never has two cycles in flight: a tick or arrival that finds
// its scope still busy is skipped.
package scheduler
