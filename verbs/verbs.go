// Package verbs is a safety layer over an RDMA verbs transport.
//
// The package wraps the adapter resources needed for RDMA communication
// (device contexts, protection domains, memory regions, completion queues,
// queue pairs and dynamically-connected targets) and enforces the rules
// the raw verbs interface leaves to the caller: resources cannot outlive
// the resources they depend on, queue pairs move through the
// RESET→INIT→RTR→RTS connection states in order, and work submission
// follows post/poll semantics with no blocking anywhere.
//
// Every resource handle can be cloned cheaply; clones share the underlying
// adapter object, which is torn down exactly once when the last clone is
// closed. Dependent resources hold references on their dependencies, so a
// protection domain, for example, stays alive until the last memory region
// and queue pair created under it are gone, no matter the close order.
//
// Fallible operations split into two disjoint classes. Violated
// preconditions the caller could have checked, such as posting in the
// wrong state, using a memory region under a foreign protection domain,
// or requesting a capability the driver does not offer, panic. Conditions
// outside the caller's control, such as queue exhaustion, remote access
// faults and exhausted retry counters, are returned as errors or surfaced
// through completion entry statuses, and a fatal completion status moves
// the owning queue pair to the terminal ERROR state.
package verbs
