// Package store is the durable local catalog for meetd.
//
// It persists athletes, meets, registrations, flights, groups, attempts
// and the current-state singleton in a single SQLite file. Reads are
// concurrent (WAL); writes originate from the serialized flow engine.
//
// The store is deliberately narrow: ordering and ranking logic live in
// their own packages and only ask the store for batched lookups.
package store
