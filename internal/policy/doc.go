// Package policy enforces per-agent spend and frequency limits over fixed
// daily and hourly windows, plus a global pause flag, per-agent pause flags
// and a circuit breaker that trips on the first hourly-limit violation.
package policy
