// Package api serves a supervisor node over HTTP.
//
// Fixed routes manage deployments (/deploy), serve output files
// (/module_results), request history (/request-history) and introspection
// (/health, /.well-known/wasmiot-device-description, /metrics). Every other
// path is treated as an endpoint and invoked: clients send JSON arguments,
// multipart forms or query parameters, and other nodes send the chained
// payload with the X-Chain-* headers.
//
// Invocation responses are always a chain.Result. A failed result picks the
// status code through StatusOf.
package api
