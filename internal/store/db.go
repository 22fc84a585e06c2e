package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sony/sonyflake"
)

// DB wraps the SQLite database that backs conversations, messages and blobs.
type DB struct {
	*sql.DB
	ids *sonyflake.Sonyflake
	now func() time.Time
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MachineID: func() (uint16, error) { return 1, nil },
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create id generator: %w", err)
	}
	return &DB{DB: db, ids: sf, now: time.Now}, nil
}

func (db *DB) nextID() (string, error) {
	id, err := db.ids.NextID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strconv.FormatUint(id, 10), nil
}

func (db *DB) nowMillis() int64 {
	return db.now().UnixMilli()
}
