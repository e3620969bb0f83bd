// Package state owns the authoritative state record of each managed device.
//
// Three independent writers (a user control command, a periodic relay
// poll and an inbound webhook push) race to update the same record. They
// never touch storage directly: every write goes through Reconciler.Apply,
// and every read through Reader.Get.
//
// # Architecture
//
//	 control ──┐
//	 poll-sync ├──▶ Reconciler.Apply ──▶ Store.Upsert (one atomic call per batch)
//	 webhook ──┘         │
//	                     └──▶ OnApplied hooks (websocket, MQTT), Recorder (metrics)
//
//	 API ──▶ Reader.Get ──▶ Store.Get (or the zero-valued default record)
//
// # Consistency
//
// Apply validates each update on its own and drops the invalid ones. The
// survivors are written in one upsert that also stamps last_updated with a
// single timestamp taken by the Reconciler. Callers never supply times.
//
// Ordering between batches is last-applied-wins per field: the batch the
// Reconciler processes last wins, regardless of when the value was observed
// at the device. A slow poll response can therefore overwrite a fresher
// webhook push. This is a known weak-consistency hazard; there is no
// per-field sequencing.
//
// Within one process, batches for the same device are serialised by a
// per-device lock so readers never observe half a batch. Across processes
// the store's single-call atomicity provides the same guarantee.
//
// # Backends
//
//   - SQLiteStore: default, one row per device, fields merged with json_patch
//   - DynamoStore: one item per device, fields as top-level number attributes
//   - MemoryStore: in-process map for development and tests
package state
