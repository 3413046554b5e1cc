package mode

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/asadarafat/tcpao-proxy/internal/config"
	"github.com/asadarafat/tcpao-proxy/internal/forward"
	"github.com/asadarafat/tcpao-proxy/internal/policy"
	"github.com/asadarafat/tcpao-proxy/internal/tcpaoerr"
)

const modeLabelTerminator = "terminator"

// RunTerminator builds an AO-armed listening socket on cfg.ListenAO and,
// for each accepted wire connection, verifies it is AO-protected, selects
// the policy by peer IP alone, and forwards its plaintext payload to
// cfg.ForwardPlain. Blocks until ctx is canceled or the listener fails.
func RunTerminator(ctx context.Context, cfg config.TerminatorConfig, deps Deps) error {
	log := deps.logger().With("mode", modeLabelTerminator)

	listenAddr, err := netip.ParseAddrPort(cfg.ListenAO)
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindAddrParse, "terminator: listen_ao", err)
	}
	forwardAddr, err := net.ResolveTCPAddr("tcp", cfg.ForwardPlain)
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindAddrParse, "terminator: forward_plain", err)
	}

	ln, err := buildAOListener(deps.Binder, listenAddr, deps.Store.All())
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Info("terminator mode listening", "listen", listenAddr, "forward_plain", forwardAddr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var connID atomic.Uint64
	connID.Store(1)

	for {
		wire, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return tcpaoerr.New(tcpaoerr.KindIO, "terminator: accept", err)
		}

		wireConn, ok := wire.(*net.TCPConn)
		if !ok {
			wire.Close()
			continue
		}

		id := connID.Add(1) - 1
		go func() {
			if err := handleTerminatorConn(id, wireConn, forwardAddr, deps); err != nil {
				log.Error("connection failed", "mode", modeLabelTerminator,
					"conn_id", id, "peer", wireConn.RemoteAddr(), "error", err)
			}
		}()
	}
}

func handleTerminatorConn(connID uint64, wire *net.TCPConn, forwardAddr *net.TCPAddr, deps Deps) error {
	defer wire.Close()

	log := deps.logger().With("mode", modeLabelTerminator)
	wirePeer := wire.RemoteAddr()

	peerAP, err := netip.ParseAddrPort(wirePeer.String())
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindAddrParse, "terminator: peer addr", err)
	}

	if err := deps.Binder.EnsureInboundSessionHasAO(wire, peerAP); err != nil {
		return fmt.Errorf("terminator: inbound AO verification failed: %w", err)
	}

	pol, err := policy.Select(deps.Store, peerAP.Addr(), nil)
	if err != nil {
		return err
	}

	network := "tcp4"
	if forwardAddr.IP.To4() == nil {
		network = "tcp6"
	}
	plainConn, err := net.DialTCP(network, nil, forwardAddr)
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindIO, "terminator: dial forward_plain", err)
	}

	if err := applyKeepalive(plainConn, deps.Global); err != nil {
		plainConn.Close()
		return err
	}
	if err := applyKeepalive(wire, deps.Global); err != nil {
		plainConn.Close()
		return err
	}

	if deps.Metrics != nil {
		deps.Metrics.ConnOpened()
		defer deps.Metrics.ConnClosed()
	}

	stats, err := forward.Pump(wire, plainConn, forward.Options{
		IdleTimeout: idleTimeout(deps.Global),
	})
	plainConn.Close()
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	log.Info("connection closed",
		"mode", modeLabelTerminator,
		"conn_id", connID,
		"peer", wirePeer,
		"policy", pol.Name,
		"keyid", pol.KeyID,
		"rnextkeyid", pol.RNextKeyID,
		"bytes_up", stats.BytesUp,
		"bytes_down", stats.BytesDown,
		"duration_ms", stats.Duration.Milliseconds(),
		"reason", stats.Reason,
	)
	return nil
}
