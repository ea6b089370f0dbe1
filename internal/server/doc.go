// Package server exposes the relay over HTTP. Browser clients connect to /ws
// and are bound to one session each; the remaining endpoints are a JSON
// monitoring API plus Prometheus metrics.
package server
