// Package identity binds agent identifiers to their owner, their single
// signing credential and the spending policy the owner configured.
package identity
