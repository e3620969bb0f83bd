// Package relay talks to the cloud relay that sits between pumpcore and the
// physical device.
//
// The relay exposes a Blynk-style external HTTP API:
//
//	GET {base}/get?token=T&V0        -> 1   (also "1" or ["1"])
//	GET {base}/update?token=T&V0=1   -> 200 with an empty body
//
// Errors come back as a non-2xx status, usually with a JSON body
// {"error":{"message":"..."}}.
//
// Client is the contract the ingestion adapters consume. HTTPClient
// implements it over net/http; Fake implements it in memory for tests.
//
// Every HTTPClient call runs under its own timeout so one unreachable relay
// cannot hang a poll. Calls are never retried here; retry policy belongs to
// whoever triggered the operation.
//
// The token is a credential with full control over the device. It is never
// logged and never included in returned errors.
package relay
