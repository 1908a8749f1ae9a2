// Package debounce provides a delay scheduler that coalesces bursts of
// scheduling requests into a single unit of work.
//
// # Overview
//
// A Scheduler owns at most one pending invocation at a time. Every
// Schedule call supersedes the previous pending invocation: the old one
// is cancelled before its wait elapses, and the new one starts a fresh
// wait using the delay sampled at its own schedule time. Work therefore
// runs only after a quiet period with no further Schedule calls.
//
// Each Schedule call returns an Invocation handle describing that call's
// unit of work. Because a later call may cancel it before it runs, the
// handle can complete without the work ever executing; callers who want
// "whatever ultimately ran" should use Scheduler.Latest instead.
//
// # Cancellation
//
// Three sources cancel a pending invocation: supersession by a newer
// Schedule call, the parent context passed at construction, and explicit
// CancelPending/Close. All three are routine outcomes, reported through
// the handle's Outcome and Cause, never as errors. Only an error
// returned by the work function itself surfaces through Invocation.Err.
//
// A Scheduler coalesces one logical stream of work. Independent streams
// need independent Scheduler instances.
package debounce
