// Package coordinator attaches the persistent store for a model and
// mediates every read and write between managed contexts and that store.
//
// A coordinator owns at most one store. Attaching a store written with an
// older model version migrates it in place when StoreOptions allow it;
// stores written with an unknown, foreign or newer model are rejected with
// ErrIncompatibleStore.
//
// Saves are serialised. After each committed save the coordinator sends a
// SaveNotification to every registered observer so other contexts can
// merge the change.
package coordinator
