// Package ingest contains the three paths that feed the state record.
//
//   - Control: a user command. The relay write happens first; the local
//     record is updated only after the relay acknowledged it.
//   - PollSync: reads every channel from the relay concurrently and applies
//     whatever came back as one batch.
//   - Webhook: a loosely typed push from the relay or the device, coerced
//     to an integer at this boundary.
//
// None of them touch the store. Each hands its updates to an Applier (the
// state.Reconciler in production).
//
// # Errors
//
//   - ErrValidation: the caller sent something unusable. Nothing was written.
//   - ErrRelay: the relay call the operation depended on failed. For
//     Control nothing was written.
//   - state.ErrStoreFailure: passed through unchanged from the Reconciler.
//
// Poller is an optional ticker that calls PollSync.Run. The adapters
// themselves own no timers.
package ingest
