// Package api exposes the call engine over HTTP: synchronous execute and
// validate endpoints, the asynchronous task queue, agent chat turns, health
// and metrics.
package api
