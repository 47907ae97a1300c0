package bridge

import (
	"fmt"
	"net/url"
	"strconv"
)

const DefaultPort = 38961

// DefaultURL is the bridge base URL for a port; non-positive ports use DefaultPort.
func DefaultURL(port int) string {
	if port <= 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// ValidateURL accepts only http://127.0.0.1:<port> with no path, query or
// credentials, and returns it normalized without a trailing slash.
func ValidateURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bridge url: %w", err)
	}
	if parsed.Scheme != "http" {
		return "", fmt.Errorf("bridge url must use http, got %q", parsed.Scheme)
	}
	if parsed.Hostname() != "127.0.0.1" {
		return "", fmt.Errorf("bridge url must target 127.0.0.1, got %q", parsed.Hostname())
	}
	if parsed.User != nil || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("bridge url must not carry credentials, query or fragment")
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("bridge url must not have a path, got %q", parsed.Path)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("bridge url needs an explicit port, got %q", parsed.Port())
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}
