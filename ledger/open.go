package ledger

import (
	"fmt"
	"strings"
)

// Open selects and constructs a Store from a DATABASE_URL-style DSN:
//   - "postgres://..." or "postgresql://..."  -> PostgresStore
//   - "leveldb://<path>"                       -> LevelDBStore
//   - anything else (a bare file path, or "sqlite://<path>") -> SQLiteStore
//
// A bare path defaults to SQLite, matching the teacher's embedded-first
// deployment posture (escrow-gateway ships SQLite by default).
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("ledger: DATABASE_URL is required")
	}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgresStore(dsn)
	case strings.HasPrefix(dsn, "leveldb://"):
		return OpenLevelDBStore(strings.TrimPrefix(dsn, "leveldb://"))
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return OpenSQLiteStore(dsn)
	}
}
