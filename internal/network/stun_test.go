package network

import "testing"

func TestClassifyNAT(t *testing.T) {
	cases := []struct {
		name  string
		addrs []string
		want  string
	}{
		{"no samples", nil, NATTypeUnknown},
		{"single sample", []string{"1.2.3.4:100"}, NATTypeUnknown},
		{"consistent mapping", []string{"1.2.3.4:100", "1.2.3.4:100"}, NATTypeConeOrRestricted},
		{"divergent mapping", []string{"1.2.3.4:100", "1.2.3.4:200"}, NATTypeSymmetric},
	}
	for _, tc := range cases {
		if got := ClassifyNAT(tc.addrs); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestProbePublicAddrRequiresServers(t *testing.T) {
	if _, _, err := ProbePublicAddr(t.Context(), nil, 0); err == nil {
		t.Fatal("empty server list accepted")
	}
}
