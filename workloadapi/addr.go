package workloadapi

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// SocketEnv names the environment variable consulted for the Workload API
// endpoint address when no explicit address is configured.
const SocketEnv = "SPIFFE_ENDPOINT_SOCKET"

// GetDefaultAddress returns the endpoint address from the environment.
func GetDefaultAddress() (string, bool) {
	return os.LookupEnv(SocketEnv)
}

// parseTargetFromAddr validates a Workload API endpoint address and converts
// it to a gRPC dial target. Supported forms are unix:///path/to/socket (or
// unix:/path/to/socket) and tcp://host:port.
func parseTargetFromAddr(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("workload endpoint address is empty")
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("cannot parse workload endpoint address %q: %w", addr, err)
	}

	switch u.Scheme {
	case "unix":
		if u.Host != "" {
			return "", fmt.Errorf("workload endpoint unix socket path must be absolute in %q", addr)
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return "", fmt.Errorf("workload endpoint address %q is missing a socket path", addr)
		}
		if !strings.HasPrefix(path, "/") {
			return "", fmt.Errorf("workload endpoint unix socket path must be absolute in %q", addr)
		}
		return "unix://" + path, nil
	case "tcp":
		if u.Host == "" || u.Hostname() == "" {
			return "", fmt.Errorf("workload endpoint address %q is missing a host", addr)
		}
		if u.Port() == "" {
			return "", fmt.Errorf("workload endpoint address %q is missing a port", addr)
		}
		if u.Path != "" {
			return "", fmt.Errorf("workload endpoint address %q must not have a path", addr)
		}
		return u.Host, nil
	default:
		return "", fmt.Errorf("workload endpoint address %q has unsupported scheme %q", addr, u.Scheme)
	}
}
