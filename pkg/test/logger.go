package test

import (
	"strings"
	"testing"

	"github.com/go-kit/log"
)

type testingWriter struct {
	t testing.TB
}

func (w testingWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// NewTestingLogger returns a logfmt logger writing through t.Log, so output
// is only shown for failed or verbose tests.
func NewTestingLogger(t testing.TB) log.Logger {
	return log.With(log.NewSyncLogger(log.NewLogfmtLogger(testingWriter{t: t})), "caller", log.DefaultCaller)
}
