//go:build !linux

package mode

import (
	"syscall"

	"github.com/asadarafat/tcpao-proxy/internal/config"
)

type socketWithSyscallConn interface {
	SyscallConn() (syscall.RawConn, error)
}

func applyKeepalive(_ socketWithSyscallConn, _ config.GlobalConfig) error {
	return nil
}
