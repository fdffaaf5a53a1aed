// Package mysql opens the shared MySQL connection pool and applies the
// embedded schema migrations used by the intent and audit stores.
package mysql
