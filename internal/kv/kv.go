// Package kv abstracts the widget's per-instance persisted state behind a
// small key-value interface. Production deployments use the SQLite or
// Postgres backends; tests use the in-memory one. Failures surface as
// errors here — callers decide whether durability loss is tolerable.
package kv

import "context"

// Store is a flat string key-value store.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key builds the namespaced storage key for a per-instance value.
func Key(instanceID, name string) string {
	return "flowchat:" + instanceID + ":" + name
}
