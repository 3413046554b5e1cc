//go:build linux

package mode

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/asadarafat/tcpao-proxy/internal/config"
)

// socketWithSyscallConn is satisfied by *net.TCPConn.
type socketWithSyscallConn interface {
	SyscallConn() (syscall.RawConn, error)
}

// applyKeepalive mirrors mode_initiator.rs/mode_terminator.rs's
// apply_keepalive: when enabled, sets SO_KEEPALIVE plus the optional
// TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT tunables.
func applyKeepalive(conn socketWithSyscallConn, global config.GlobalConfig) error {
	if !global.TCPKeepalive {
		return nil
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("keepalive: syscall conn: %w", err)
	}

	var setErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); setErr != nil {
			return
		}
		if v := global.KeepaliveTimeSecs; v != nil {
			if setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, *v); setErr != nil {
				return
			}
		}
		if v := global.KeepaliveIntvlSecs; v != nil {
			if setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, *v); setErr != nil {
				return
			}
		}
		if v := global.KeepaliveProbes; v != nil {
			setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, *v)
		}
	})
	if ctrlErr != nil {
		return fmt.Errorf("keepalive: control: %w", ctrlErr)
	}
	if setErr != nil {
		return fmt.Errorf("keepalive: setsockopt: %w", setErr)
	}
	return nil
}
