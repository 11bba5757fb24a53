// Package tasks hands generated work items to the task-management system
// through an asynq queue backed by Redis.
//
// The engine side uses Producer, which implements automation.TaskCreator.
// The consuming side registers a handler with NewServeMux and runs it on an
// asynq.Server configured with Queues.
package tasks
