// Package relay drives intents through the relaying party's half of the
// lifecycle. It consumes engine events, submits newly emitted intents on
// behalf of the selected relayer, waits out the timelock, executes with the
// committed payload and feeds the outcome back into relayer reputation.
package relay
