// Package intent implements the intent lifecycle: signed, nonce-ordered
// requests move from pending through submission and a timelock to execution,
// with disputes possible once an intent has been handed to a relayer.
//
// All mutating operations are serialized by the Engine. Callbacks invoked
// while an operation is in flight (dispatchers and event publishers) receive
// a guarded context; any call back into the Engine with that context is
// rejected with ErrReentrantCall.
package intent
