// Package hw emulates an RDMA network adapter in software.
//
// The package models the adapter objects that the verbs package wraps:
// device contexts, protection domains, memory registrations, completion
// queues, queue pairs and dynamically-connected targets. Queue pairs opened
// in the same process are joined through a process-global switchboard, so
// posted work requests are delivered synchronously and completions land on
// the owning completion queues exactly as a loopback device would report
// them.
//
// hw performs no precondition checking beyond what an adapter would do in
// hardware: it enforces queue depths, key lookups and port state, and it
// reports faults through completion statuses or returned errors. Caller
// sequencing rules live in the verbs package.
package hw
