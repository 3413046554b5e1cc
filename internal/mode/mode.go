// Package mode implements the Initiator and Terminator Mode Runners: the
// thin composition layer that binds a socket, selects and arms an AO
// policy via the Host AO Binding, connects the counterpart socket, and
// hands both ends to the Forwarder.
package mode

import (
	"log/slog"

	"github.com/asadarafat/tcpao-proxy/internal/config"
	"github.com/asadarafat/tcpao-proxy/internal/metrics"
	"github.com/asadarafat/tcpao-proxy/internal/policy"
	"github.com/asadarafat/tcpao-proxy/internal/tcpao"
)

// Deps bundles the collaborators a Mode Runner needs. Each Run call gets
// its own connID counter, so concurrent or repeated Run calls (as in
// tests) never share state.
type Deps struct {
	Global  config.GlobalConfig
	Store   *policy.Store
	Binder  tcpao.Binder
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
