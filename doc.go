// Package pclient is the invocation layer of a client talking to a
// partitioned in-memory data cluster.
//
// A `Client` joins the gossip pool of the cluster as a client node, so it
// learns which members exist without ever owning data, and lazily opens
// one QUIC connection per member it needs to talk to.
//
// ## Routing
//
// Every request is wrapped in an `Invocation` which is routed, by order of
// precedence:
//
//   - on a fixed `Connection`, see `OnConnection`. Those invocations are
//     never retried, they are used to talk to a specific member, e.g. to
//     fetch the partition table.
//   - to the owner of a partition, see `OnPartition`. The owner is resolved
//     again on every attempt so retries follow migrations.
//   - to a fixed member, see `OnTarget`.
//   - to any data member.
//
// `Invocation.Invoke` never blocks: it returns a `Future` resolved exactly
// once, with either the response or an error.
//
// ## Retries
//
// Failures are retried every `RetryWaitTime` until the deadline of the
// invocation, computed once when it is created, is reached. Connection
// failures (`IOError`, `ErrInstanceNotActive`, `ErrAuthentication`) are
// always retried. Failures the member flags as retryable (`ErrRetryable`)
// are only retried for idempotent requests, see `RetryableRequest`, or
// when the client was created `WithRedoOperation`. Once the client is
// shutting down, every failure resolves with `ErrClientNotActive`.
//
// When too many invocations are in flight, see
// `WithMaxConcurrentInvocations`, `Invocation.Invoke` returns `ErrOverload`
// right away: callers are expected to back off.
//
// ## Partitions
//
// The `PartitionTable` is fetched from the coordinating member every
// `RefreshPeriod`, and each time the membership changes. At most one
// refresh runs at a time. The partition count is learnt once and never
// changes, and a refresh never forgets the owner of a partition.
//
// Callers asking for the owner of a partition which is not known yet are
// blocked until it is, unless the client lost all its connections
// (`ErrClientOffline`) or the cluster is only made of lite members
// (`ErrNoDataMemberInCluster`).
package pclient
