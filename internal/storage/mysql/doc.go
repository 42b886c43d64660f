// Package mysql persists finished plan runs in MySQL. It owns the connection
// pool, the embedded schema migrations and the run history repository used by
// the coordinator when runs.store.driver is "mysql".
package mysql
