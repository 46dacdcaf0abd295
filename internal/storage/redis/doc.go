// Package redis offers Redis-backed coordination primitives for zkpayd. The
// once-lock lets several orchestrator processes agree on which of them may
// trigger a settlement for a given proof.
package redis
