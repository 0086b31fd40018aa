// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: A conformance suite covering batch atomicity, scan bounds and
//     order, tree isolation, the write index and snapshot round trips
//   - benchmark: Performance tests for the access patterns of the record store
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func(tb testing.TB) db.KVDB {
//		return NewMyDatabase(tb.TempDir())
//	}
//
//	// Running the standard test suite
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing
