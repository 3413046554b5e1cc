//go:build !linux

package tcpao

import (
	"log/slog"
	"net/netip"

	"github.com/asadarafat/tcpao-proxy/internal/policy"
	"github.com/asadarafat/tcpao-proxy/internal/tcpaoerr"
)

// unsupportedBinder is used on any platform without a native TCP-AO
// facility. probe_support is the gate: the rest of the system must not
// call the other three methods once it reports unsupported.
type unsupportedBinder struct{}

// NewBinder returns the platform Binder. This build has no TCP-AO
// facility, so every operation reports unsupported immediately.
func NewBinder(_ *slog.Logger) Binder {
	return unsupportedBinder{}
}

func (unsupportedBinder) ProbeSupport() (bool, error) { return false, nil }

func (unsupportedBinder) ApplyOutboundPolicy(Socket, *policy.AoPolicy, netip.AddrPort) error {
	return unsupportedErr("apply_outbound_policy")
}

func (unsupportedBinder) ConfigureListener(Socket, netip.AddrPort, []policy.AoPolicy) error {
	return unsupportedErr("configure_listener")
}

func (unsupportedBinder) EnsureInboundSessionHasAO(Socket, netip.AddrPort) error {
	return unsupportedErr("ensure_inbound_session_has_ao")
}

func unsupportedErr(op string) error {
	return tcpaoerr.New(tcpaoerr.KindUnsupported, op, tcpaoerr.ErrUnsupported)
}
