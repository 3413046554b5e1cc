// Package tcpao implements the Host AO Binding: the platform-specific
// subsystem that arms a TCP socket for RFC 5925 TCP Authentication
// Option (TCP-AO) by programming the host kernel's per-connection key
// table. It is modeled as a single capability interface with one
// implementation per supported platform (tcpao_linux.go) and a default
// implementation that reports unsupported (tcpao_other.go), so mode
// runners never branch on GOOS themselves.
package tcpao

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"syscall"

	"github.com/asadarafat/tcpao-proxy/internal/policy"
)

// MaxKeyLen re-exports policy.MaxKeyLen (the kernel's TCP_AO_MAXKEYLEN)
// as the size of the key buffer this package marshals.
const MaxKeyLen = policy.MaxKeyLen

// MaxAlgNameLen is the fixed size of the kernel's alg_name buffer.
const MaxAlgNameLen = 64

// NormalizedAlg is the result of normalizing a human-spelled MAC
// algorithm name: a canonical kernel-recognized name plus its MAC length.
type NormalizedAlg struct {
	Name   string
	MacLen uint8
}

// ErrEmptyAlgName is returned for an empty mac_alg string.
var ErrEmptyAlgName = errors.New("mac_alg must not be empty")

// ErrAlgNameTooLong is returned when a normalized name would not fit the
// kernel's fixed alg_name buffer.
var ErrAlgNameTooLong = errors.New("mac_alg name too long")

// NormalizeMacAlg maps any of the accepted human spellings of a MAC
// algorithm to its canonical kernel name and MAC length. Unrecognized but
// well-formed names pass through unchanged with a MAC length of 12.
//
// NormalizeMacAlg is idempotent on its own canonical outputs (feeding a
// canonical name back in returns the same canonical name and length).
func NormalizeMacAlg(raw string) (NormalizedAlg, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return NormalizedAlg{}, ErrEmptyAlgName
	}
	if len(s) >= MaxAlgNameLen {
		return NormalizedAlg{}, fmt.Errorf("%q: %w", s, ErrAlgNameTooLong)
	}

	switch s {
	case "hmac-sha1", "hmac-sha-1", "hmac(sha1)":
		return NormalizedAlg{Name: "hmac(sha1)", MacLen: 12}, nil
	case "hmac-sha256", "hmac-sha-256", "hmac(sha256)":
		return NormalizedAlg{Name: "hmac(sha256)", MacLen: 16}, nil
	case "cmac-aes", "cmac-aes-128", "cmac(aes)":
		return NormalizedAlg{Name: "cmac(aes)", MacLen: 12}, nil
	default:
		return NormalizedAlg{Name: s, MacLen: 12}, nil
	}
}

// PrefixLen returns the TCP-AO prefix length for addr: 32 for a concrete
// IPv4 address, 128 for a concrete IPv6 address, and 0 for the
// unspecified ("any") address of either family.
func PrefixLen(addr netip.Addr) uint8 {
	addr = addr.Unmap()
	if addr.IsUnspecified() {
		return 0
	}
	if addr.Is4() {
		return 32
	}
	return 128
}

// Binder is the capability interface for the Host AO Binding. There is
// exactly one implementation per supported platform; unsupported
// platforms use unsupportedBinder, whose ProbeSupport reports false and
// whose other methods fail with ErrUnsupported, so mode runners never need
// GOOS branches of their own.
type Binder interface {
	// ProbeSupport opens a throwaway socket and checks whether the host
	// kernel implements TCP-AO at all. It is the gate: the rest of the
	// system must not call the other three methods on an unsupported host.
	ProbeSupport() (bool, error)

	// ApplyOutboundPolicy installs pol's key on conn as both the current
	// send key and the next expected receive key for remote, then marks
	// conn AO-required. Used by the Initiator before connect.
	ApplyOutboundPolicy(conn Socket, pol *policy.AoPolicy, remote netip.AddrPort) error

	// ConfigureListener installs every policy whose PeerIP matches
	// listenAddr's address family as a listener key (exactly the first
	// installed key is marked current/next), then marks conn AO-required.
	// Used by the Terminator before listen.
	ConfigureListener(conn Socket, listenAddr netip.AddrPort, policies []policy.AoPolicy) error

	// EnsureInboundSessionHasAO verifies an accepted socket is
	// AO-protected. A not-found session info result is a best-effort pass
	// (logged, not failed). Used by the Terminator immediately after accept.
	EnsureInboundSessionHasAO(conn Socket, peer netip.AddrPort) error
}

// Socket is the minimal surface the Binder needs from a connection or
// listener: access to its underlying file descriptor via the standard
// syscall.RawConn control mechanism. *net.TCPConn and *net.TCPListener
// both satisfy it.
type Socket interface {
	SyscallConn() (syscall.RawConn, error)
}

// ErrInvalidListenerPolicy is returned by ConfigureListener when no
// policy matches the listener's address family.
var ErrInvalidListenerPolicy = errors.New("no ao_policy matches listener address family")
