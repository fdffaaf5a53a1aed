// Package redis opens the Redis client shared by the policy window store,
// the audit content store and the Redis event queue.
package redis
