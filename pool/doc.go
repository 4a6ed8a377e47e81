// Package pool is the sandbox pool: it owns every live WebAssembly instance
// and hands each one to a single caller at a time.
//
// Instances are keyed by artifact digest and mount directory. Compiled
// modules are cached per digest and compiled at most once concurrently.
//
// Acquire prefers, in order:
//
//  1. the most recently released idle instance of the same key
//  2. a new instance, while fewer than MaxInstances are live
//  3. evicting the least recently used idle instance of another key
//  4. waiting for a release, up to AcquireTimeout, then resource_exhausted
//
// Busy instances are never evicted. A sandbox whose call failed is poisoned
// and destroyed on Release, so a trapped instance is never handed out again.
package pool
