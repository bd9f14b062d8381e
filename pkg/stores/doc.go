// Package stores persists provider connections, their sealed credentials,
// the reconciled inventory graph and the refresh history in SQLite with WAL
// mode and embedded migrations. Inventory reconciliation runs in a single
// immediate transaction per connection.
package stores
