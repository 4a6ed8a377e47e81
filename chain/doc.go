// Package chain carries a request across nodes.
//
// A Context holds the request id, originating deployment and device, hop
// index and deadline. It is created once at the originating node, travels in
// X-Request-Id, X-Chain-Step, X-Chain-Deadline, X-Deployment-Id and
// X-Chain-Origin headers, and only its hop index changes along the way.
//
// Client.Forward posts one hop's output to the next node. Connection
// failures and timeouts are retried with exponential backoff; anything the
// remote node answers, including a Failure, is returned without retrying.
// Remote cancellation is not supported: each hop enforces the shared deadline
// on its own.
package chain
