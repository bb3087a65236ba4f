package mqttc

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Dialer establishes broker connections. Implementations exist for TCP,
// TLS, WebSocket, QUIC and proxied transports.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer connects to brokers over plain TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// BindAddress is the optional local address to bind the outgoing
	// connection to.
	BindAddress string
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}

	if d.BindAddress != "" {
		local, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(d.BindAddress, "0"))
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = local
	}

	return dialer.DialContext(ctx, "tcp", address)
}

// TLSDialer connects to brokers over TLS.
type TLSDialer struct {
	// Config is the TLS configuration.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// BindAddress is the optional local address to bind the outgoing
	// connection to.
	BindAddress string
}

// Dial connects to the address.
func (d *TLSDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: d.Timeout}

	if d.BindAddress != "" {
		local, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(d.BindAddress, "0"))
		if err != nil {
			return nil, err
		}
		netDialer.LocalAddr = local
	}

	dialer := &tls.Dialer{
		NetDialer: netDialer,
		Config:    d.Config,
	}
	return dialer.DialContext(ctx, "tcp", address)
}
