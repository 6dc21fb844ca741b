// Package cache provides a Redis backend for the dependency manager and a
// list-based outbound event queue on top of it.
package cache
