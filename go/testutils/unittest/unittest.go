package unittest

import (
	"flag"
	"os"

	"github.com/contestms/grading/go/sktest"
)

const (
	SMALL_TEST  = "small"
	MEDIUM_TEST = "medium"
	LARGE_TEST  = "large"
)

var (
	small = flag.Bool(SMALL_TEST, false, "Whether or not to run small tests.")
	medium = flag.Bool(MEDIUM_TEST, false, "Whether or not to run medium tests.")
	large = flag.Bool(LARGE_TEST, false, "Whether or not to run large tests.")

	// DEFAULT_RUN indicates whether the given test type runs by default
	// when no filter flag is specified.
	DEFAULT_RUN = map[string]bool{
		SMALL_TEST:  true,
		MEDIUM_TEST: true,
		LARGE_TEST:  true,
	}
)

// ShouldRun determines whether the test should run based on the provided flags.
func ShouldRun(testType string) bool {
	// Fallback if no test filter is specified.
	if !*small && !*medium && !*large {
		return DEFAULT_RUN[testType]
	}
	switch testType {
	case SMALL_TEST:
		return *small
	case MEDIUM_TEST:
		return *medium
	case LARGE_TEST:
		return *large
	}
	return false
}

// SmallTest is a function which should be called at the beginning of a small
// test: A test (under 2 seconds) with no dependencies on external databases,
// networks, etc.
func SmallTest(t sktest.TestingT) {
	if !ShouldRun(SMALL_TEST) {
		t.Skip("Not running small tests.")
	}
}

// MediumTest is a function which should be called at the beginning of a
// medium-sized test: a test (2-15 seconds) which has dependencies on external
// databases, networks, etc.
func MediumTest(t sktest.TestingT) {
	if !ShouldRun(MEDIUM_TEST) {
		t.Skip("Not running medium tests.")
	}
}

// LargeTest is a function which should be called at the beginning of a large
// test: a test (> 15 seconds) with significant reliance on external
// dependencies which makes it too slow or flaky to run as part of the normal
// test suite.
func LargeTest(t sktest.TestingT) {
	if !ShouldRun(LARGE_TEST) {
		t.Skip("Not running large tests.")
	}
}

// RequiresRedis documents that a test requires a local Redis server and
// checks that the appropriate environment variable is set.
func RequiresRedis(t sktest.TestingT) {
	if os.Getenv("REDIS_SERVER_HOST") == "" {
		t.Skip(`This test requires a local Redis server; set REDIS_SERVER_HOST to run it.`)
	}
}

// RedisAddr returns the host:port of the local Redis server for tests which
// called RequiresRedis.
func RedisAddr() string {
	return os.Getenv("REDIS_SERVER_HOST")
}

// RequiresCockroachDB documents that a test requires a local CockroachDB
// executable and checks that the appropriate environment variable is set.
func RequiresCockroachDB(t sktest.TestingT) {
	if os.Getenv("COCKROACHDB_HOST") == "" {
		t.Skip(`This test requires a local CockroachDB instance; set COCKROACHDB_HOST to run it.`)
	}
}
