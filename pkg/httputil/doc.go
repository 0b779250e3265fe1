// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
//
// Every handler in pkg/api writes its responses through this package so
// that error bodies share one shape:
//
//	{"error": "quota exceeded for agents: 3 of 3 in use", "request_id": "..."}
//
// The middleware here is transport plumbing only (logging, panic recovery,
// request ids, body limits). Identity lives in pkg/middleware.
package httputil
