package proxypool

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var supportedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// Address is a validated proxy URI: scheme://[user:pass@]host:port
type Address struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// AddressError describes a rejected proxy list entry
type AddressError struct {
	Line   int
	Input  string
	Reason string
}

func (e *AddressError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("proxy list line %d: %q: %s", e.Line, redactRaw(e.Input), e.Reason)
	}
	return fmt.Sprintf("proxy %q: %s", redactRaw(e.Input), e.Reason)
}

// ParseAddress validates a single proxy URI. A bare host:port is read as http.
func ParseAddress(raw string) (Address, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return Address{}, &AddressError{Input: raw, Reason: "empty entry"}
	}

	withScheme := input
	if !strings.Contains(input, "://") {
		withScheme = "http://" + input
	}

	u, err := url.Parse(withScheme)
	if err != nil {
		return Address{}, &AddressError{Input: raw, Reason: "unparseable URI"}
	}

	scheme := strings.ToLower(u.Scheme)
	if !supportedSchemes[scheme] {
		return Address{}, &AddressError{Input: raw, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return Address{}, &AddressError{Input: raw, Reason: "path, query and fragment are not allowed"}
	}

	host := u.Hostname()
	if host == "" {
		return Address{}, &AddressError{Input: raw, Reason: "missing host"}
	}
	portStr := u.Port()
	if portStr == "" {
		return Address{}, &AddressError{Input: raw, Reason: "missing port"}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Address{}, &AddressError{Input: raw, Reason: fmt.Sprintf("invalid port %q", portStr)}
	}

	addr := Address{Scheme: scheme, Host: host, Port: port}
	if u.User != nil {
		addr.Username = u.User.Username()
		addr.Password, _ = u.User.Password()
		if addr.Username == "" {
			return Address{}, &AddressError{Input: raw, Reason: "empty username"}
		}
	}

	return addr, nil
}

// LoadAddresses parses an ordered proxy list. Blank lines and # comments are
// skipped; the first malformed entry aborts the load.
func LoadAddresses(lines []string) ([]Address, error) {
	addrs := make([]Address, 0, len(lines))
	seen := make(map[string]int, len(lines))

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		addr, err := ParseAddress(trimmed)
		if err != nil {
			if ae, ok := err.(*AddressError); ok {
				ae.Line = i + 1
			}
			return nil, err
		}

		key := addr.String()
		if prev, dup := seen[key]; dup {
			return nil, &AddressError{Line: i + 1, Input: trimmed, Reason: fmt.Sprintf("duplicate of line %d", prev)}
		}
		seen[key] = i + 1
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// HostPort returns host:port suitable for dialing
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// URL returns the full proxy URL including credentials
func (a Address) URL() *url.URL {
	u := &url.URL{Scheme: a.Scheme, Host: a.HostPort()}
	if a.Username != "" {
		if a.Password != "" {
			u.User = url.UserPassword(a.Username, a.Password)
		} else {
			u.User = url.User(a.Username)
		}
	}
	return u
}

// String returns the canonical URI. It contains credentials; use Redacted for logs.
func (a Address) String() string {
	return a.URL().String()
}

// Redacted returns the URI with the password masked
func (a Address) Redacted() string {
	return a.URL().Redacted()
}

func redactRaw(raw string) string {
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return raw
	}
	prefix := ""
	rest := raw[:at]
	if idx := strings.Index(rest, "://"); idx >= 0 {
		prefix = rest[:idx+3]
		rest = rest[idx+3:]
	}
	user := rest
	if colon := strings.Index(rest, ":"); colon >= 0 {
		user = rest[:colon] + ":xxxxx"
	}
	return prefix + user + raw[at:]
}
