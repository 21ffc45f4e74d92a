package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// EndpointPolicy vets merchant-supplied URLs before the server issues a
// request to them. Fail closed: a host that does not resolve is rejected,
// and every resolved address must be publicly routable.
type EndpointPolicy struct {
	// AllowPrivate skips the routability checks. Local development only.
	AllowPrivate bool
	// Resolve is swappable for tests. Defaults to net.LookupIP.
	Resolve func(host string) ([]net.IP, error)
}

// Rejected by name before any resolution happens.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Check validates the URL's scheme, host, and destination routability.
func (p EndpointPolicy) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if p.AllowPrivate {
		return nil
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if !PublicIP(ip) {
			return fmt.Errorf("%s is not publicly routable", host)
		}
		return nil
	}

	resolve := p.Resolve
	if resolve == nil {
		resolve = net.LookupIP
	}
	ips, err := resolve(host)
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("cannot resolve %s", host)
	}
	for _, ip := range ips {
		if !PublicIP(ip) {
			return fmt.Errorf("%s resolves to %s", host, ip)
		}
	}
	return nil
}

// PublicIP reports whether ip is an acceptable server-request destination.
func PublicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}
	// 100.64/10 carrier NAT and 192.0.2/24 test ranges count as non-public.
	if v4 := ip.To4(); v4 != nil {
		if v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
			return false
		}
		if v4[0] == 192 && v4[1] == 0 && v4[2] == 2 {
			return false
		}
	}
	return ip.IsGlobalUnicast()
}
