package security

import (
	"net"
	"testing"
)

func TestEndpointPolicy_Check(t *testing.T) {
	policy := EndpointPolicy{
		Resolve: func(host string) ([]net.IP, error) {
			switch host {
			case "merchant.example.com":
				return []net.IP{net.ParseIP("93.184.216.34")}, nil
			case "internal.example.com":
				return []net.IP{net.ParseIP("10.0.0.5")}, nil
			case "rebind.example.com":
				// One public, one private record still fails closed.
				return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("192.168.0.10")}, nil
			default:
				return nil, nil
			}
		},
	}

	tests := []struct {
		url  string
		safe bool
	}{
		{"https://merchant.example.com/hook", true},
		{"http://merchant.example.com/hook", true},
		{"http://internal.example.com/hook", false},
		{"http://rebind.example.com/hook", false},
		{"http://unresolvable.example.com/hook", false},
		{"http://127.0.0.1/hook", false},
		{"http://10.1.2.3/hook", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://100.100.0.1/hook", false}, // carrier NAT
		{"http://localhost/hook", false},
		{"http://metadata.google.internal/computeMetadata", false},
		{"ftp://merchant.example.com/hook", false},
		{"http:///nohost", false},
	}

	for _, tc := range tests {
		err := policy.Check(tc.url)
		if tc.safe && err != nil {
			t.Errorf("Check(%q) = %v, want nil", tc.url, err)
		}
		if !tc.safe && err == nil {
			t.Errorf("Check(%q) = nil, want error", tc.url)
		}
	}
}

func TestPublicIP(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"93.184.216.34", true},
		{"8.8.8.8", true},
		{"127.0.0.1", false},
		{"10.0.0.1", false},
		{"172.16.5.4", false},
		{"192.168.1.1", false},
		{"169.254.169.254", false},
		{"100.64.0.1", false},
		{"192.0.2.10", false},
		{"0.0.0.0", false},
		{"224.0.0.1", false},
		{"::1", false},
		{"2606:2800:220:1:248:1893:25c8:1946", true},
	}
	for _, tc := range cases {
		if got := PublicIP(net.ParseIP(tc.ip)); got != tc.want {
			t.Errorf("PublicIP(%s) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestEndpointPolicy_AllowPrivate(t *testing.T) {
	policy := EndpointPolicy{AllowPrivate: true}

	if err := policy.Check("http://127.0.0.1:8080/hook"); err != nil {
		t.Errorf("Check = %v, want nil with AllowPrivate", err)
	}
	// Scheme and host shape are still enforced.
	if err := policy.Check("ftp://127.0.0.1/hook"); err == nil {
		t.Error("Check = nil, want scheme error")
	}
}
