// Package statebus bridges the MQTT bus and the state core.
//
// Inbound, a push on pumpcore/push/{device}/{channel} goes through the
// webhook coercion path tagged with the mqtt origin. Outbound, every
// committed batch is published as a retained record on
// pumpcore/state/{device}, in commit order, by a single publisher
// goroutine fed from the Reconciler's post-commit hook.
package statebus
