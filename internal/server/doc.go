// Package server provides the gin HTTP servers of the key gateway.
//
// The public server runs every request through recovery, request ID,
// tracing, access logging and HTTP metrics middleware, then through the
// gateway admission middleware and finally the upstream proxy. The admin
// server exposes /healthz, /readyz and /metrics on a separate listener so
// operational endpoints are never behind the gateway.
package server
