//go:build !linux

package mode

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/asadarafat/tcpao-proxy/internal/policy"
	"github.com/asadarafat/tcpao-proxy/internal/tcpao"
)

// buildAOListener on non-Linux platforms still binds a plain listener so
// callers can exercise configuration and forwarding logic, but
// ConfigureListener will fail closed (unsupportedBinder) since there is
// no native TCP-AO facility to arm here.
func buildAOListener(binder tcpao.Binder, listenAddr netip.AddrPort, policies []policy.AoPolicy) (net.Listener, error) {
	ln, err := net.Listen("tcp", listenAddr.String())
	if err != nil {
		return nil, fmt.Errorf("buildAOListener: listen: %w", err)
	}

	tc, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("buildAOListener: unexpected listener type %T", ln)
	}
	f, err := tc.File()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("buildAOListener: listener file: %w", err)
	}
	defer f.Close()

	if err := binder.ConfigureListener(f, listenAddr, policies); err != nil {
		ln.Close()
		return nil, fmt.Errorf("buildAOListener: configure_listener: %w", err)
	}

	return ln, nil
}
