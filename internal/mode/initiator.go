package mode

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/asadarafat/tcpao-proxy/internal/config"
	"github.com/asadarafat/tcpao-proxy/internal/forward"
	"github.com/asadarafat/tcpao-proxy/internal/policy"
	"github.com/asadarafat/tcpao-proxy/internal/tcpaoerr"
)

// RunInitiator accepts plaintext connections on cfg.ListenPlain and, for
// each one, opens a TCP-AO-protected connection to cfg.RemoteAO using the
// policy selected for that fixed remote address. Blocks until ctx is
// canceled or the listener fails.
func RunInitiator(ctx context.Context, cfg config.InitiatorConfig, deps Deps) error {
	log := deps.logger().With("mode", "initiator")

	listenAddr, err := net.ResolveTCPAddr("tcp", cfg.ListenPlain)
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindAddrParse, "initiator: listen_plain", err)
	}
	remoteAddr, err := net.ResolveTCPAddr("tcp", cfg.RemoteAO)
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindAddrParse, "initiator: remote_ao", err)
	}

	ln, err := net.ListenTCP("tcp", listenAddr)
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindIO, "initiator: listen", err)
	}
	defer ln.Close()

	log.Info("initiator mode listening", "listen", listenAddr, "remote_ao", remoteAddr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var connID atomic.Uint64
	connID.Store(1)

	for {
		plain, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return tcpaoerr.New(tcpaoerr.KindIO, "initiator: accept", err)
		}

		id := connID.Add(1) - 1
		go func() {
			if err := handleInitiatorConn(id, plain, remoteAddr, deps); err != nil {
				log.Error("connection failed", "conn_id", id, "peer", plain.RemoteAddr(), "error", err)
			}
		}()
	}
}

// rawConnSocket adapts a pre-existing syscall.RawConn (obtained from a
// net.Dialer's Control hook, which runs after socket creation but before
// connect) to the tcpao.Socket capability interface.
type rawConnSocket struct {
	raw syscall.RawConn
}

func (s rawConnSocket) SyscallConn() (syscall.RawConn, error) {
	return s.raw, nil
}

func handleInitiatorConn(connID uint64, plain *net.TCPConn, remoteAddr *net.TCPAddr, deps Deps) error {
	defer plain.Close()

	log := deps.logger().With("mode", "initiator")
	plainPeer := plain.RemoteAddr()

	remoteAP := remoteAddr.AddrPort()
	port := remoteAP.Port()
	pol, err := policy.Select(deps.Store, remoteAP.Addr(), &port)
	if err != nil {
		return err
	}

	var applyErr error
	dialer := net.Dialer{
		Control: func(_, _ string, c syscall.RawConn) error {
			applyErr = deps.Binder.ApplyOutboundPolicy(rawConnSocket{raw: c}, pol, remoteAP)
			return nil
		},
	}

	conn, err := dialer.Dial("tcp", remoteAddr.String())
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindIO, "initiator: dial", err)
	}
	if applyErr != nil {
		conn.Close()
		return fmt.Errorf("initiator: apply outbound AO policy: %w", applyErr)
	}
	wireConn := conn.(*net.TCPConn)

	if err := applyKeepalive(wireConn, deps.Global); err != nil {
		wireConn.Close()
		return err
	}
	if err := applyKeepalive(plain, deps.Global); err != nil {
		wireConn.Close()
		return err
	}

	if deps.Metrics != nil {
		deps.Metrics.ConnOpened()
		defer deps.Metrics.ConnClosed()
	}

	stats, err := forward.Pump(plain, wireConn, forward.Options{
		IdleTimeout: idleTimeout(deps.Global),
	})
	wireConn.Close()
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	log.Info("connection closed",
		"conn_id", connID,
		"peer", plainPeer,
		"policy", pol.Name,
		"bytes_up", stats.BytesUp,
		"bytes_down", stats.BytesDown,
		"duration_ms", stats.Duration.Milliseconds(),
		"reason", stats.Reason,
	)
	return nil
}

func idleTimeout(g config.GlobalConfig) time.Duration {
	if g.IdleTimeoutSecs == 0 {
		return 0
	}
	return time.Duration(g.IdleTimeoutSecs) * time.Second
}
