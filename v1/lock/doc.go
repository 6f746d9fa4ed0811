// Package lock provides the per-resource lock set shared by every process of
// a garden. A Locker holds exactly one mutual-exclusion primitive per record,
// indexed like the resource table. The placement of those primitives is
// pluggable:
//
//   - Named: one OS-visible lock file per record outside the segment,
//     locked with flock(2).
//   - Embedded: a futex word inline in each shared record.
//   - Redis: one key per record, held with SET NX and a holder token.
//
// All placements are usable by unrelated processes, start unlocked and can
// be destroyed more than once.
package lock
