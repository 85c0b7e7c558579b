package ciutil

import (
	"os"
	"testing"
)

// Environment variables read by the helpers.
const (
	EnvCI            = "CI"
	EnvGitHubActions = "GITHUB_ACTIONS"
	EnvGitLabCI      = "GITLAB_CI"

	// EnvTestDatabaseURL points to a disposable PostgreSQL database.
	EnvTestDatabaseURL = "DATASHARE_TEST_DATABASE_URL"
	// EnvDatabaseURL is the conventional fallback for EnvTestDatabaseURL.
	EnvDatabaseURL = "DATABASE_URL"
	// EnvRequireServices makes missing services fail the tests instead of
	// skipping them.
	EnvRequireServices = "DATASHARE_REQUIRE_TEST_SERVICES"
)

// IsCI reports whether the tests run on a CI provider.
func IsCI() bool {
	return os.Getenv(EnvCI) != "" ||
		os.Getenv(EnvGitHubActions) != "" ||
		os.Getenv(EnvGitLabCI) != ""
}

// TestDatabaseURL returns the URL of the test database, "" when none is set.
func TestDatabaseURL() string {
	if url := os.Getenv(EnvTestDatabaseURL); url != "" {
		return url
	}
	return os.Getenv(EnvDatabaseURL)
}

// RequireDatabaseURL returns the test database URL. Without one the test is
// skipped, or failed when EnvRequireServices is set.
func RequireDatabaseURL(t testing.TB) string {
	t.Helper()
	url := TestDatabaseURL()
	if url != "" {
		return url
	}
	if os.Getenv(EnvRequireServices) != "" {
		t.Fatalf("%s is required but not set", EnvTestDatabaseURL)
	}
	t.Skipf("%s not set", EnvTestDatabaseURL)
	return ""
}
