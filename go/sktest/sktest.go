// Package sktest provides an interface which is implemented by
// *testing.T, so that test helpers can be used without importing the
// "testing" package from non-test code.
package sktest

// TestingT is an interface which is compatible with testing.T and testing.B.
type TestingT interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fail()
	FailNow()
	Failed() bool
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Helper()
	Log(args ...interface{})
	Logf(format string, args ...interface{})
	Name() string
	Skip(args ...interface{})
	SkipNow()
	Skipf(format string, args ...interface{})
	Skipped() bool
}
