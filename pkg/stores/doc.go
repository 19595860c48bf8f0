// Package stores keeps an optional journal of apply runs in SQLite.
//
// Every apply run gets a row in runs and every synthesized command a row
// in steps, so an operator can see afterwards what a restore did and where
// it stopped. The schema is managed by embedded golang-migrate migrations.
package stores
