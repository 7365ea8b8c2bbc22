package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/stealth-dispatcher/internal/proxypool"
	"golang.org/x/net/proxy"
)

// checkSOCKS5 fetches the test URL through a SOCKS5 proxy
func (c *Checker) checkSOCKS5(ctx context.Context, addr proxypool.Address) error {
	var auth *proxy.Auth
	if addr.Username != "" {
		auth = &proxy.Auth{User: addr.Username, Password: addr.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", addr.HostPort(), auth, &net.Dialer{Timeout: c.timeout})
	if err != nil {
		return fmt.Errorf("SOCKS5 dialer: %w", err)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, target string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, target)
			}
			return dialer.Dial(network, target)
		},
		DisableKeepAlives: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
	}
	defer transport.CloseIdleConnections()

	if err := c.get(ctx, transport); err != nil {
		return fmt.Errorf("SOCKS5 %w", err)
	}
	return nil
}
