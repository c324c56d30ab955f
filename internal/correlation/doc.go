// Package correlation matches asynchronous agent replies to waiting callers.
//
// # Lifecycle
//
// CreatePending draws a random correlation ID, stores a Pending entry, arms
// its timeout and sends the request frame to the target connection. The
// caller then blocks in Pending.Wait.
//
// An entry completes exactly once, through whichever of these acts first:
//
//   - Resolve / Fail: the target agent replied
//   - timeout: the deadline elapsed (ErrRequestTimeout)
//   - RejectByIdentity: the registry reports a disconnect (ErrAgentDisconnected)
//     or a supersession (ErrSuperseded)
//   - caller cancellation: the context passed to Wait is done
//   - Close: shutdown (ErrShuttingDown)
//
// The winner is whoever removes the entry from the map while holding the
// table mutex. Everyone else finds it gone and does nothing.
//
// # Unmatched replies
//
// A reply whose ID is not pending is dropped. If the ID completed recently
// (tracked in a dedupe.Cache) the drop is logged at debug level as a
// duplicate; otherwise it is logged as a warning. A reply from an agent other
// than the request's target is dropped and never completes the request.
//
// There is no ordering between pending requests, including several pending
// against the same agent.
package correlation
