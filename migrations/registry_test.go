package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"strings"
	"testing"

	session "github.com/goliatone/go-session"
	_ "github.com/mattn/go-sqlite3"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}
	dialects := map[string]bool{}
	for _, entry := range filesystems {
		dialects[entry.Dialect] = true
	}
	if !dialects[DialectPostgres] || !dialects[DialectSQLite] {
		t.Fatalf("expected postgres and sqlite filesystems, got %v", dialects)
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	reg, err := Register(context.Background(), func(_ context.Context, dialect string, label string, _ fs.FS) error {
		calls = append(calls, dialect+":"+label)
		return nil
	}, WithValidationTargets(" SQLite ", "sqlite"), WithSourceLabel("host-app"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != "sqlite:host-app" {
		t.Fatalf("expected a single sqlite registration, got %v", calls)
	}
	if reg.SourceLabel != "host-app" {
		t.Fatalf("expected source label override, got %q", reg.SourceLabel)
	}
}

func TestRegister_RequiresFunction(t *testing.T) {
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected missing register function error")
	}
}

func TestMigrationPairs_ExistForBothDialects(t *testing.T) {
	root := session.GetMigrationsFS()
	for _, name := range []string{"00001_session_credentials", "00002_session_rate_limit_state"} {
		for _, dir := range []string{"data/sql/migrations/", "data/sql/migrations/sqlite/"} {
			for _, suffix := range []string{".up.sql", ".down.sql"} {
				path := dir + name + suffix
				content, err := fs.ReadFile(root, path)
				if err != nil {
					t.Fatalf("read migration %s: %v", path, err)
				}
				if strings.TrimSpace(string(content)) == "" {
					t.Fatalf("expected migration %s to have SQL content", path)
				}
			}
		}
	}
}

func TestSQLiteMigrations_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-apply?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqliteMigrations, err := fs.Sub(session.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	ctx := context.Background()
	for _, migration := range []string{"00001_session_credentials.up.sql", "00002_session_rate_limit_state.up.sql"} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply %s: %v", migration, err)
		}
	}

	insert := `INSERT INTO session_rate_limit_state (id, endpoint, bucket_key) VALUES (?, ?, ?)`
	if _, err := db.ExecContext(ctx, insert, "a", "/resource", "default"); err != nil {
		t.Fatalf("insert first bucket: %v", err)
	}
	if _, err := db.ExecContext(ctx, insert, "b", "/resource", "default"); err == nil {
		t.Fatalf("expected unique bucket constraint violation")
	}

	for _, migration := range []string{"00002_session_rate_limit_state.down.sql", "00001_session_credentials.down.sql"} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("rollback %s: %v", migration, err)
		}
	}
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'session_%'`,
	).Scan(&count); err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to drop session tables, %d remain", count)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, name string) error {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	for _, statement := range strings.Split(string(content), ";") {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}
