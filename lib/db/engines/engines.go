// Package engines selects a storage engine by name.
package engines

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/maple"
	"github.com/ValentinKolb/tKV/lib/db/engines/pebble"
	"github.com/ValentinKolb/tKV/lib/db/engines/sqlite"
)

// Names lists the supported engines
var Names = []string{"maple", "pebble", "sqlite"}

// Factory returns a db.Factory for engine storing its data below dir.
// maple keeps everything in memory and ignores dir.
func Factory(engine, dir string) (db.Factory, error) {
	switch engine {
	case "maple":
		return func() (db.KVDB, error) { return maple.NewMapleDB(nil), nil }, nil
	case "pebble", "":
		return func() (db.KVDB, error) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			return pebble.NewPebbleDB(&pebble.DBOptions{Dir: filepath.Join(dir, "pebble")})
		}, nil
	case "sqlite":
		return func() (db.KVDB, error) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			return sqlite.NewSqliteDB(&sqlite.DBOptions{Path: filepath.Join(dir, "tkv.sqlite")})
		}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q (expected one of %v)", engine, Names)
	}
}
