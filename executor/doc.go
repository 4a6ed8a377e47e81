// Package executor is the chained execution engine. Invoke resolves an
// endpoint, runs its function in a pooled sandbox and follows its next hop,
// either locally or on another node through the chain client.
//
// The result of a chained request is the terminal hop's result; earlier hops
// pass it back unchanged. A failure never travels forward: a hop that traps
// or overruns the request deadline answers with a failure naming itself, and
// no later hop runs.
//
// Each hop enforces the shared deadline locally. A hop waiting on the next
// one waits past the deadline by a grace period, so the failure reported to
// the originator names the hop that actually overran.
package executor
