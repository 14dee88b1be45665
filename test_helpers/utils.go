package test_helpers

import (
	"os"
	"testing"

	"github.com/ice-blockchain/go-pgcluster"
)

// TestDsnEnv names the environment variable with a dsn of a live
// PostgreSQL server (or a comma separated multi-host dsn).
const TestDsnEnv = "PGCLUSTER_TEST_DSN"

// GetTestDsn returns the dsn of a live server or skips the test if none is
// configured.
func GetTestDsn(t testing.TB) pgcluster.Dsn {
	t.Helper()

	dsn := os.Getenv(TestDsnEnv)
	if dsn == "" {
		t.Skipf("%s is not set", TestDsnEnv)
	}
	return pgcluster.Dsn(dsn)
}
