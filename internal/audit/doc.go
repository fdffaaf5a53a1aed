// Package audit keeps the append-only commitment trail. Each entry binds a
// keccak256 commitment of an off-engine payload to an agent, and a commitment
// can be recorded only once across all agents.
package audit
