package pprofutil

import (
	"io"
	"testing"
)

func TestLoopbackAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"[::1]:0", true},
		{"localhost:9999", true},
		{"LOCALHOST:9999", true},
		{"0.0.0.0:6060", false},
		{"10.0.0.8:6060", false},
		{"example.com:6060", false},
		{"no-port", false},
	}
	for _, tc := range cases {
		if got := loopbackAddr(tc.addr); got != tc.want {
			t.Fatalf("loopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestStartRefusesPublicBind(t *testing.T) {
	if err := start("0.0.0.0:0", false, io.Discard); err == nil {
		t.Fatal("public bind accepted without override")
	}
}
