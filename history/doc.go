// Package history records every invocation a node serves, keyed by request
// id, so an operator can follow one request across its local hops.
//
// Memory keeps a bounded ring in process. Redis keeps the same data in a
// shared redis instance.
package history
