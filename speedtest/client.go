package speedtest

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const dialTimeout = 10 * time.Second

// NewClient builds the HTTP client used by the probes. network is one of
// "tcp", "tcp4" or "tcp6" and pins the address family for every dial;
// ifaceName, when non-empty, binds the local side of each connection to an
// address of that interface. The client enforces cfg.RequestTimeout across
// the whole exchange, response body included.
func NewClient(cfg Config, network, ifaceName string) (*http.Client, error) {
	cfg = cfg.withDefaults()
	if network == "" {
		network = "tcp"
	}

	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	if ifaceName != "" {
		addr, err := interfaceAddr(ifaceName, network)
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = addr
	}

	// Mirrors http.DefaultTransport, except that the dial network is pinned
	// instead of left to happy-eyeballs.
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}, nil
}

// interfaceAddr picks a bindable unicast address of the named interface,
// honouring the requested address family.
func interfaceAddr(name, network string) (*net.TCPAddr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errors.Wrapf(err, "could not find interface %q", name)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, "could not list addresses of %q", name)
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		isV4 := ipNet.IP.To4() != nil
		if network == "tcp4" && !isV4 {
			continue
		}
		if network == "tcp6" && isV4 {
			continue
		}
		return &net.TCPAddr{IP: ipNet.IP}, nil
	}

	return nil, errors.Errorf("no usable address on interface %q", name)
}
