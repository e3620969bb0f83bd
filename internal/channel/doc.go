// Package channel maps relay channel identifiers to internal field names.
//
// The relay addresses values by virtual pin ("V0", "v1", ...). Internally
// every value is stored under a canonical lower-case field name. The Map is
// the single place where that translation happens, together with the value
// domain each field accepts.
//
// # Key Types
//
//   - Channel: one relay pin, its field name, kind and value domain
//   - Map: the ordered, case-insensitive set of channels for a deployment
//   - Domain: the closed integer range a channel accepts
//
// The Map is immutable after construction and safe for concurrent use.
// Poll-sync iterates Map.All, so a deployment with more or fewer pins only
// needs a different channels: list in config.yaml.
//
// # Value coercion
//
// ParseValue is the one text-to-integer coercion shared by relay reads,
// webhook ingress and MQTT push. It never rounds through float64, so any
// int64 survives a round trip.
//
// # Usage
//
//	m := channel.Default()
//	ch, ok := m.Resolve("v0") // same as Resolve("V0")
//	v, err := channel.ParseValue(`"1"`)
//	if err == nil {
//	    err = ch.Check(v)
//	}
package channel
