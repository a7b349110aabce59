package reaper

import (
	"net/url"
	"strings"
)

// Aliases that all name the local host. An attach process spawned with
// "localhost" must match a reaper configured with "127.0.0.1".
var loopbackAliases = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
	"0.0.0.0":   {},
}

// SameEndpoint reports whether two URLs address the same controller:
// equal hosts after loopback normalization and equal ports, with the
// default port implied by the scheme.
func SameEndpoint(a, b string) bool {
	hostA, portA, okA := endpointHostPort(a)
	hostB, portB, okB := endpointHostPort(b)
	return okA && okB && hostA == hostB && portA == portB
}

func endpointHostPort(raw string) (host, port string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", "", false
	}
	host = strings.ToLower(u.Hostname())
	if _, isLoopback := loopbackAliases[host]; isLoopback {
		host = "127.0.0.1"
	}
	port = u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return host, port, true
}
