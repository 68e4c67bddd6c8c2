package store

import (
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

// dialect captures the per-database differences the store has to care
// about: driver registration name, how generated ids come back from an
// insert, row limiting syntax, and the DDL used to create the schema.
type dialect struct {
	name       string // config-facing name
	driverName string // database/sql driver name
	returning  returningStyle
	migrations []string
	// ignorable reports migration errors that mean "already applied".
	ignorable func(error) bool
}

type returningStyle int

const (
	returnLastInsertID returningStyle = iota // sqlite, mysql
	returnClause                             // postgres: RETURNING id
	returnOutput                             // mssql: OUTPUT INSERTED.id
)

// Drivers lists the supported values for Config.Driver.
var Drivers = []string{"sqlite", "postgres", "mysql", "mssql"}

func lookupDialect(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect, nil
	case "mysql", "mariadb":
		return mysqlDialect, nil
	case "mssql", "sqlserver":
		return mssqlDialect, nil
	default:
		return dialect{}, fmt.Errorf("%w: %s (available: %v)", ErrUnsupportedDriver, driver, Drivers)
	}
}

// limit appends a row limit clause. n is an int so formatting it into the
// statement is safe.
func (d dialect) limit(q string, n, offset int) string {
	if d.name == "mssql" {
		return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", q, offset, n)
	}
	if offset > 0 {
		return fmt.Sprintf("%s LIMIT %d OFFSET %d", q, n, offset)
	}
	return fmt.Sprintf("%s LIMIT %d", q, n)
}

func errContains(subs ...string) func(error) bool {
	return func(err error) bool {
		msg := strings.ToLower(err.Error())
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
}

var sqliteDialect = dialect{
	name:       "sqlite",
	driverName: "sqlite",
	returning:  returnLastInsertID,
	ignorable:  errContains("duplicate column", "already exists"),
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT UNIQUE NOT NULL,
			key_prefix TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_used_at INTEGER,
			expires_at INTEGER,
			deleted_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			api_key_id TEXT NOT NULL REFERENCES api_keys(id),
			level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			prefix TEXT NOT NULL DEFAULT '',
			emoji TEXT NOT NULL DEFAULT '',
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_key_ts ON logs(api_key_id, timestamp_ms, id)`,
	},
}

var postgresDialect = dialect{
	name:       "postgres",
	driverName: "pgx",
	returning:  returnClause,
	ignorable:  errContains("already exists"),
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id VARCHAR(36) PRIMARY KEY,
			key_hash VARCHAR(64) UNIQUE NOT NULL,
			key_prefix VARCHAR(32) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			user_id VARCHAR(191) NOT NULL DEFAULT '',
			project_id VARCHAR(191) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_used_at BIGINT,
			expires_at BIGINT,
			deleted_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id BIGSERIAL PRIMARY KEY,
			api_key_id VARCHAR(36) NOT NULL REFERENCES api_keys(id),
			level VARCHAR(32) NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			prefix VARCHAR(255) NOT NULL DEFAULT '',
			emoji VARCHAR(32) NOT NULL DEFAULT '',
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_key_ts ON logs(api_key_id, timestamp_ms, id)`,
	},
}

// MySQL has no CREATE INDEX IF NOT EXISTS; a rerun fails with
// "Duplicate key name", which is treated as already applied.
var mysqlDialect = dialect{
	name:       "mysql",
	driverName: "mysql",
	returning:  returnLastInsertID,
	ignorable:  errContains("duplicate key name", "already exists"),
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id VARCHAR(36) PRIMARY KEY,
			key_hash VARCHAR(64) NOT NULL,
			key_prefix VARCHAR(32) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL,
			description VARCHAR(1024) NOT NULL DEFAULT '',
			user_id VARCHAR(191) NOT NULL DEFAULT '',
			project_id VARCHAR(191) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_used_at BIGINT NULL,
			expires_at BIGINT NULL,
			deleted_at BIGINT NULL,
			UNIQUE KEY uq_api_keys_hash (key_hash)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE INDEX idx_api_keys_user ON api_keys(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			api_key_id VARCHAR(36) NOT NULL,
			level VARCHAR(32) NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			prefix VARCHAR(255) NOT NULL DEFAULT '',
			emoji VARCHAR(32) NOT NULL DEFAULT '',
			metadata MEDIUMTEXT NULL,
			CONSTRAINT fk_logs_api_key FOREIGN KEY (api_key_id) REFERENCES api_keys(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE INDEX idx_logs_key_ts ON logs(api_key_id, timestamp_ms, id)`,
	},
}

var mssqlDialect = dialect{
	name:       "mssql",
	driverName: "sqlserver",
	returning:  returnOutput,
	ignorable:  errContains("already exists", "there is already an object"),
	migrations: []string{
		`IF OBJECT_ID(N'api_keys', N'U') IS NULL
		CREATE TABLE api_keys (
			id VARCHAR(36) PRIMARY KEY,
			key_hash VARCHAR(64) NOT NULL CONSTRAINT uq_api_keys_hash UNIQUE,
			key_prefix VARCHAR(32) NOT NULL DEFAULT '',
			name NVARCHAR(255) NOT NULL,
			description NVARCHAR(1024) NOT NULL DEFAULT '',
			user_id VARCHAR(191) NOT NULL DEFAULT '',
			project_id VARCHAR(191) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_used_at BIGINT NULL,
			expires_at BIGINT NULL,
			deleted_at BIGINT NULL
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_api_keys_user')
		CREATE INDEX idx_api_keys_user ON api_keys(user_id, created_at)`,
		`IF OBJECT_ID(N'logs', N'U') IS NULL
		CREATE TABLE logs (
			id BIGINT IDENTITY(1,1) PRIMARY KEY,
			api_key_id VARCHAR(36) NOT NULL REFERENCES api_keys(id),
			level NVARCHAR(32) NOT NULL DEFAULT 'info',
			message NVARCHAR(MAX) NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			prefix NVARCHAR(255) NOT NULL DEFAULT '',
			emoji NVARCHAR(32) NOT NULL DEFAULT '',
			metadata NVARCHAR(MAX) NULL
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_logs_key_ts')
		CREATE INDEX idx_logs_key_ts ON logs(api_key_id, timestamp_ms, id)`,
	},
}
