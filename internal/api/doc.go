// Package api exposes the HTTP interface of the treasury daemon: manual cycle
// submission, cycle status, the last decision, health and metrics.
package api
