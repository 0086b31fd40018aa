// Package lstore implements store.IStore on a single node without consensus.
//
// Commands run directly on one machine (see store/internal). The write index
// of the database is advanced with an atomic counter that starts at the index
// the database reports on open, so a durable engine (pebble, sqlite) resumes
// where it stopped. With maple the whole state is lost on restart.
//
// Usage Example:
//
//	factory := func() (db.KVDB, error) { return maple.NewMapleDB(nil), nil }
//	s, err := lstore.NewLocalStore(factory, store.Config{BlockSize: 100})
//	if err != nil { ... }
//
//	r, err := s.RequestRange("parts", clientID, 0)
//	env, err := s.Create("parts", clientID, record.New(r.Start, schema, clientID, 0, payload))
package lstore
