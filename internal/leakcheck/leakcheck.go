// Package leakcheck wraps goleak with the options every package's tests share.
package leakcheck

import (
	"testing"

	"go.uber.org/goleak"
)

// Options ignores goroutines that dependencies start at init and never stop.
// The genai client links go.opencensus.io, whose view worker runs for the
// life of the process.
func Options(extra ...goleak.Option) []goleak.Option {
	return append([]goleak.Option{
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	}, extra...)
}

// VerifyTestMain runs the package tests and fails if goroutines leak.
func VerifyTestMain(m *testing.M, extra ...goleak.Option) {
	goleak.VerifyTestMain(m, Options(extra...)...)
}

// VerifyNone fails t if goroutines other than the ignored ones are running.
func VerifyNone(t testing.TB, extra ...goleak.Option) {
	t.Helper()
	goleak.VerifyNone(t, Options(extra...)...)
}
