// Package index implements the indexer hook and the shared term index.
//
// Hooks are called synchronously inside every commit, after the batch is
// durable and before the change is published on the event bus. They see
// every record and borrow change of the trees they are registered for.
// A failing or panicking hook is logged and counted, the commit stands.
// Hooks running longer than their budget are reported as slow.
//
// Named is the index handle applications query. It is a Hook itself:
// registering it for a tree keeps it current. Clone hands out another handle
// on the same data, so any number of goroutines can read while the commit
// path writes.
//
// Usage Example:
//
//	byName := index.NewNamed("parts", partsTree.Terms)
//	hooks.Register("parts", byName)
//
//	ids := byName.Clone().Search("bolt-")
package index
