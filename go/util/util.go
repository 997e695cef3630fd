// Package util provides small helpers which are used throughout the
// codebase.
package util

import (
	"io"
	"math"
	"os"

	"github.com/contestms/grading/go/sklog"
)

// In returns true if |s| is *in* |a| slice.
func In(s string, a []string) bool {
	for _, x := range a {
		if x == s {
			return true
		}
	}
	return false
}

// Close wraps an io.Closer and logs an error if one is returned.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		sklog.ErrorfWithDepth(1, "Failed to Close(): %v", err)
	}
}

// Remove removes the specified file and logs an error if one is returned.
// A missing file is not an error.
func Remove(name string) {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		sklog.ErrorfWithDepth(1, "Failed to Remove(%s): %v", name, err)
	}
}

// RemoveAll removes the specified path and logs an error if one is returned.
func RemoveAll(path string) {
	if err := os.RemoveAll(path); err != nil {
		sklog.ErrorfWithDepth(1, "Failed to RemoveAll(%s): %v", path, err)
	}
}

// CopyStringMap returns a copy of the given map.
func CopyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	rv := make(map[string]string, len(m))
	for k, v := range m {
		rv[k] = v
	}
	return rv
}

// CopyStringSlice returns a copy of the given slice.
func CopyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	rv := make([]string, len(s))
	copy(rv, s)
	return rv
}

// Truncate64 rounds a float64 toward zero, saturating at the int64 range.
func Truncate64(f float64) int64 {
	if f > math.MaxInt64 {
		return math.MaxInt64
	}
	if f < math.MinInt64 {
		return math.MinInt64
	}
	return int64(f)
}
