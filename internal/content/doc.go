// Package content resolves a (kind, spec) pair into a Snapshot the renderer
// can lay out.
//
// Each kind is served by a Source registered in a Registry; the dispatch
// engine never branches on kind. Upstream-backed kinds are wrapped in Cached,
// which owns the TTL cache, the staleness ceiling and the single-fetch
// discipline for its kind.
package content
