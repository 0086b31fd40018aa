package internal

import "github.com/ValentinKolb/tKV/lib/keys"

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTGet       QueryType = iota // Retrieve the current revision of a record.
	QueryTList                       // Retrieve records of a tree in id order.
	QueryTReadLog                    // Retrieve changes of a tree after a cursor.
	QueryTCursor                     // Retrieve the last cursor of a tree.
	QueryTTrees                      // Retrieve the names of all trees.
	QueryTRanges                     // Retrieve the ranges issued in a tree.
	QueryTBorrows                    // Retrieve live borrows.
	QueryTIdentity                   // Retrieve the server identity.
	QueryTGetDBInfo                  // Retrieve metadata about the database underlying the machine.
)

func (q QueryType) String() string {
	switch q {
	case QueryTGet:
		return "Get"
	case QueryTList:
		return "List"
	case QueryTReadLog:
		return "ReadLog"
	case QueryTCursor:
		return "Cursor"
	case QueryTTrees:
		return "Trees"
	case QueryTRanges:
		return "Ranges"
	case QueryTBorrows:
		return "Borrows"
	case QueryTIdentity:
		return "Identity"
	case QueryTGetDBInfo:
		return "GetDBInfo"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type   QueryType // The type of Query to perform.
	Tree   string    // The tree to query (empty for some queries).
	Client string    // Filter for borrow queries.
	ID     keys.ID   // Record id (Get) or exclusive lower bound (List).
	After  uint64    // Exclusive lower cursor bound (ReadLog).
	Limit  int       // Maximum number of results (List, ReadLog).
}

// QueryResult is the result of a QueryTGet operation.
// All other query results are slices or primitive types.
type QueryResult struct {
	Ok    bool
	Value []byte
}
