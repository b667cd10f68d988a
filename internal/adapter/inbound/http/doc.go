// Package http is the inbound HTTP adapter: the rate limiting
// middleware, endpoint metadata helpers, the response shaper that
// translates decisions into status codes and headers, and the
// Prometheus metrics sink.
package http
