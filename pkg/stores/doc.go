// Package stores persists trigger records, pass history and pass events in
// SQLite. Trigger records are keyed by (scope, node id) so that several
// hosts can share one database file.
package stores
