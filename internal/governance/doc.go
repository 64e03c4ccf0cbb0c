// Package governance coordinates the admission-time safety controls of the
// gateway: the global kill switch, per-principal and global token-bucket rate
// limiting, and daily budget enforcement through the cost ledger.
//
// All shared counters are keyed per principal and serialized per key, so
// unrelated principals never contend on a common lock. The kill switch is the
// single exception: it is one strongly consistent cell read before every
// request.
package governance
