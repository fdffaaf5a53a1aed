// Package api exposes the intent lifecycle over REST. Every engine operation
// has an endpoint; the acting party is taken from the X-Caller-Address header
// and authenticated upstream. Error codes map to HTTP statuses by their kind.
package api
