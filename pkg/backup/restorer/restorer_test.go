package restorer

import (
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/pkg/backup"
)

func TestRestorer(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	srcPath := path.Join(srcDir, "source.db")
	seedDatabase(t, srcPath)

	compressedPath, err := backup.Compress(srcPath)
	require.NoError(t, err)
	compressed, err := os.ReadFile(compressedPath)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(compressed)
	}))
	defer ts.Close()

	dirPath := t.TempDir()
	databaseURL := fmt.Sprintf(
		"file://%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL",
		path.Join(dirPath, "configstore.db"),
	)
	br, err := NewBackupRestorer(ts.URL, databaseURL)
	require.NoError(t, err)
	require.NoError(t, br.Restore())

	db, err := sql.Open("sqlite3", path.Join(dirPath, "configstore.db"))
	require.NoError(t, err)
	defer db.Close()

	var userID string
	require.NoError(t, db.QueryRow("SELECT id FROM users LIMIT 1").Scan(&userID))
	require.Equal(t, "user-1", userID)
}

// seedDatabase creates a minimal Config Store at dbPath with one row, so
// Restore's swap-in can be verified against known content.
func seedDatabase(t *testing.T, dbPath string) {
	t.Helper()

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE users (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (id) VALUES ('user-1')`)
	require.NoError(t, err)
}
