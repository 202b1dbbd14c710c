package store_test

import (
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// testDB connects to the database named by PGA_TEST_DATABASE_URL and recreates the pgagent
// schema in it. Tests are skipped when it is not set.
func testDB(t *testing.T) (*sqlx.DB, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	url := os.Getenv("PGA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PGA_TEST_DATABASE_URL is not set")
	}

	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	schema, err := os.ReadFile("testdata/schema.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err, "Could not create pgagent schema")
	return db, url
}

func insertJob(t *testing.T, db *sqlx.DB, name, hostAgent string, enabled bool, due string) int64 {
	var id int64
	err := db.QueryRow(`
		INSERT INTO pgagent.pga_job (jobname, jobhostagent, jobenabled, jobnextrun)
		VALUES ($1, $2, $3, now() + $4::interval)
		RETURNING jobid
	`, name, hostAgent, enabled, due).Scan(&id)
	require.NoError(t, err, "Could not insert job. name=%q", name)
	return id
}

func insertStep(t *testing.T, db *sqlx.DB, jobID int64, name, kind, code string, enabled bool) int64 {
	var id int64
	err := db.QueryRow(`
		INSERT INTO pgagent.pga_jobstep (jstjobid, jstname, jstkind, jstcode, jstenabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING jstid
	`, jobID, name, kind, code, enabled).Scan(&id)
	require.NoError(t, err, "Could not insert step. job_id=%d name=%q", jobID, name)
	return id
}
