// Package database provides a PostgreSQL backend for the dependency manager.
//
// The pool is dialled and supervised by dependency.Manager. Envelopes routed
// to the dashboard are appended to a queue table so other processes can
// consume them.
package database
