//go:build linux

package mode

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"

	"github.com/asadarafat/tcpao-proxy/internal/policy"
	"github.com/asadarafat/tcpao-proxy/internal/tcpao"
)

// buildAOListener constructs the Terminator's listening socket by hand
// (rather than through net.ListenTCP) because the AO keys must be
// installed after bind but before listen, a step net.ListenConfig's
// Control hook cannot reach (it only runs pre-bind). Mirrors
// mode_terminator.rs's build_ao_listener: socket, SO_REUSEADDR, bind,
// configure_listener, listen(1024), then hand the fd to net.FileListener.
func buildAOListener(binder tcpao.Binder, listenAddr netip.AddrPort, policies []policy.AoPolicy) (net.Listener, error) {
	domain := unix.AF_INET
	if listenAddr.Addr().Is6() && !listenAddr.Addr().Is4In6() {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("buildAOListener: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("buildAOListener: SO_REUSEADDR: %w", err)
	}

	sa, err := sockaddrFromAddrPort(listenAddr)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("buildAOListener: sockaddr: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("buildAOListener: bind: %w", err)
	}

	// os.NewFile takes ownership of fd; it is duplicated into the
	// net.Listener below and this File is closed independently.
	f := os.NewFile(uintptr(fd), "tcpao-ao-listener")
	defer f.Close()

	if err := binder.ConfigureListener(f, listenAddr, policies); err != nil {
		return nil, fmt.Errorf("buildAOListener: configure_listener: %w", err)
	}

	if err := unix.Listen(fd, 1024); err != nil {
		return nil, fmt.Errorf("buildAOListener: listen: %w", err)
	}

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("buildAOListener: FileListener: %w", err)
	}
	return ln, nil
}

func sockaddrFromAddrPort(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr().Unmap()
	switch {
	case addr.Is4():
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	case addr.Is6():
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
	default:
		return nil, fmt.Errorf("unsupported address family for %s", addr)
	}
}
