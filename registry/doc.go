// Package registry is the deployment registry. It validates manifests into
// immutable endpoints and maps request paths to them.
//
// Activation is all or nothing. A manifest is validated without side effects,
// its modules are registered with the module store, and its paths are then
// claimed while the deployment is pending. Only once every path is claimed
// does the deployment become active, so a request never observes a half
// activated graph. Re-activating an existing deployment id replaces it in
// one step; paths only the old version served disappear afterwards.
//
// Resolve is lock-free and never waits on activation of other deployments.
package registry
