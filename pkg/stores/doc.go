// Package stores persists provisioning state in SQLite: a history of runs
// with their events, and per-entity sensors that carry discovered or
// generated values (credentials, relocated paths, lifecycle state) from one
// invocation to the next. Schema changes are applied with golang-migrate from
// embedded migrations.
package stores
