package main

import (
	"errors"
	"net/http"
	"testing"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name      string
		runErr    error
		signalled bool
		want      int
	}{
		{"clean shutdown", nil, false, exitOK},
		{"closed server", http.ErrServerClosed, false, exitOK},
		{"signal drain", nil, true, exitSignal},
		{"signal after closed server", http.ErrServerClosed, true, exitSignal},
		{"bind failure", errors.New("listen tcp :3456: bind: address already in use"), false, exitRuntimeFatal},
		{"runtime fatal wins over signal", errors.New("boom"), true, exitRuntimeFatal},
	}
	for _, tc := range cases {
		if got := exitCode(tc.runErr, tc.signalled); got != tc.want {
			t.Errorf("%s: exitCode = %d, want %d", tc.name, got, tc.want)
		}
	}
}
