// Package supervisor is the device-resident agent of a WebAssembly IoT fleet.
//
// An orchestrator assigns each node a deployment: a graph of module endpoints,
// each bound to one exported function of one WebAssembly module. The node
// fetches and sandboxes the modules, answers requests on the endpoints, and
// when an endpoint's output feeds another node's endpoint it forwards the
// result there, so one logical request runs as a pipeline across devices.
//
// # Architecture Overview
//
//	supervisor/          Root package with the linear Memory and Allocator contracts
//	├── engine/          wazero integration: compile, instantiate, call under ceilings
//	├── codec/           schema-typed values to and from linear memory
//	├── store/           module artifact fetch, verification and disk cache
//	├── pool/            warm sandbox instances under global bounds
//	├── registry/        deployment graphs and their endpoints
//	├── chain/           request context propagation and the outbound hop client
//	├── executor/        chained execution of one request
//	├── history/         per-node request history (memory, redis)
//	├── metrics/         Prometheus collectors
//	├── api/             HTTP surface
//	├── config/          configuration loading
//	├── observability/   logger construction
//	└── errors/          structured error taxonomy
//
// # Request flow
//
//	inbound request
//	  -> registry.Resolve(path)            endpoint or NotFound / Failed
//	  -> store.Ensure(module, arch)        verified artifact
//	  -> pool.Acquire(artifact)            exclusive sandbox
//	  -> codec.Lower / Call / codec.Lift   typed call under memory and time ceilings
//	  -> pool.Release(sandbox)             healthy back to idle, trapped destroyed
//	  -> chain.Client.Forward(next hop)    only when the endpoint has a next hop
//	  -> terminal hop's result to the caller
//
// # Errors
//
// Every invocation ends in either a value matching the endpoint's output
// schema or a failure naming its kind and the hop that produced it. See the
// errors package for the taxonomy.
package supervisor
