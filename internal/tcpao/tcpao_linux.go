//go:build linux

package tcpao

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/asadarafat/tcpao-proxy/internal/policy"
	"github.com/asadarafat/tcpao-proxy/internal/tcpaoerr"
)

// Linux TCP_AO_* socket option levels. golang.org/x/sys/unix (pinned
// version) predates these uapi additions (Linux 5.20+), so they are
// declared here directly from the kernel header values.
const (
	tcpAOAddKey  = 38
	tcpAODelKey  = 39
	tcpAOInfo    = 40
	tcpAOGetKeys = 41
	tcpAORepair  = 42
)

// tcpAOAddFlag bits within tcpAOAdd.Flags.
const (
	tcpAOFlagSetCurrent = 1 << 0
	tcpAOFlagSetRNext   = 1 << 1
)

// tcpAOInfoFlag bits within tcpAOInfoOpt.Flags. The leading bitfield is
// shared with set_current/set_rnext, so ao_required sits at bit 2.
const tcpAOInfoFlagRequired = 1 << 2

// tcpAOAdd mirrors the kernel's struct tcp_ao_add: the peer's
// sockaddr-storage, a NUL-terminated algorithm name, an interface
// index, a flags bitfield (set_current/set_rnext), a reserved field,
// then prefix length, send/receive key ids, MAC/key lengths and flags,
// and a zero-padded key buffer.
type tcpAOAdd struct {
	Addr      [128]byte
	AlgName   [MaxAlgNameLen]byte
	IfIndex   int32
	Flags     uint32
	Reserved2 uint16
	PrefixLen uint8
	SndID     uint8
	RcvID     uint8
	MacLen    uint8
	KeyFlags  uint8
	KeyLen    uint8
	Key       [MaxKeyLen]byte
}

// tcpAOInfoOpt mirrors the kernel's struct tcp_ao_info_opt: a leading
// bitfield (set_current/set_rnext/ao_required/...), a reserved field,
// current/next key ids, and per-session packet counters, as
// queried/set via getsockopt/setsockopt(TCP_AO_INFO).
type tcpAOInfoOpt struct {
	Flags          uint32
	Reserved2      uint16
	CurrentKey     uint8
	RNext          uint8
	PktGood        uint64
	PktBad         uint64
	PktKeyNotFound uint64
	PktAORequired  uint64
}

// errNotFound marks a getsockopt(TCP_AO_INFO) result of ENOENT — no AO
// session info exists yet on this socket.
var errNotFound = errors.New("tcp-ao session info not found")

// linuxBinder is the Linux implementation of Binder, using raw
// setsockopt/getsockopt syscalls since golang.org/x/sys/unix does not
// wrap the TCP_AO_* options.
type linuxBinder struct {
	logger *slog.Logger
}

// NewBinder returns the platform Binder. On Linux this is backed by raw
// TCP_AO_* socket options; logger receives info/debug events for AO
// operations (never key material).
func NewBinder(logger *slog.Logger) Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &linuxBinder{logger: logger}
}

func (b *linuxBinder) ProbeSupport() (bool, error) {
	if testBypassActive() {
		b.logger.Info("tcp-ao test bypass active: probe_support short-circuited to supported")
		return true, nil
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return false, tcpaoerr.New(tcpaoerr.KindIO, "probe_support: socket", err)
	}
	defer unix.Close(fd)

	var info tcpAOInfoOpt
	size := uint32(unsafe.Sizeof(info))
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(unix.IPPROTO_TCP),
		uintptr(tcpAOInfo),
		uintptr(unsafe.Pointer(&info)),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if errno == 0 || errno == syscall.ENOENT {
		return true, nil
	}
	if isUnsupportedErrno(errno) {
		return false, nil
	}
	return false, tcpaoerr.New(tcpaoerr.KindIO, "probe_support: getsockopt(TCP_AO_INFO)", errno)
}

func (b *linuxBinder) ApplyOutboundPolicy(conn Socket, pol *policy.AoPolicy, remote netip.AddrPort) error {
	if testBypassActive() {
		b.logger.Info("tcp-ao test bypass active: apply_outbound_policy no-op",
			"policy", pol.Name, "remote", remote)
		return nil
	}

	alg, err := NormalizeMacAlg(pol.MacAlg)
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindConfig, "apply_outbound_policy: normalize mac_alg", err)
	}
	key, err := pol.KeySource.Load()
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindConfig, "apply_outbound_policy: load key", err)
	}

	add, err := buildTCPAOAdd(remote.Addr(), remote.Port(), pol.KeyID, alg, key, true, true)
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindTCPAO, "apply_outbound_policy: build key record", err)
	}

	if err := setAOKey(conn, add); err != nil {
		return tcpaoerr.New(tcpaoerr.KindTCPAO, "TCP_AO_ADD_KEY failed", err)
	}
	if err := setAORequired(conn); err != nil {
		return tcpaoerr.New(tcpaoerr.KindTCPAO, "TCP_AO_INFO (set ao_required) failed", err)
	}

	b.logger.Info("tcp-ao outbound policy applied",
		"policy", pol.Name, "remote", remote, "keyid", pol.KeyID, "mac_alg", alg.Name)
	return nil
}

func (b *linuxBinder) ConfigureListener(conn Socket, listenAddr netip.AddrPort, policies []policy.AoPolicy) error {
	if testBypassActive() {
		b.logger.Info("tcp-ao test bypass active: configure_listener no-op", "listen", listenAddr)
		return nil
	}

	wantV4 := listenAddr.Addr().Is4() || listenAddr.Addr().Is4In6()

	installed := 0
	for i := range policies {
		p := &policies[i]
		if p.PeerIP.Unmap().Is4() != wantV4 {
			continue
		}

		alg, err := NormalizeMacAlg(p.MacAlg)
		if err != nil {
			return tcpaoerr.New(tcpaoerr.KindConfig, "configure_listener: normalize mac_alg", err)
		}
		key, err := p.KeySource.Load()
		if err != nil {
			return tcpaoerr.New(tcpaoerr.KindConfig, "configure_listener: load key", err)
		}

		port := uint16(0)
		if p.PeerPort != nil {
			port = *p.PeerPort
		}

		isFirst := installed == 0
		add, err := buildTCPAOAdd(p.PeerIP, port, p.KeyID, alg, key, isFirst, isFirst)
		if err != nil {
			return tcpaoerr.New(tcpaoerr.KindTCPAO, "configure_listener: build key record", err)
		}
		if err := setAOKey(conn, add); err != nil {
			return tcpaoerr.New(tcpaoerr.KindTCPAO, "TCP_AO_ADD_KEY failed", err)
		}
		installed++
	}

	if installed == 0 {
		return tcpaoerr.New(tcpaoerr.KindConfig, "configure_listener", ErrInvalidListenerPolicy)
	}

	if err := setAORequired(conn); err != nil {
		return tcpaoerr.New(tcpaoerr.KindTCPAO, "TCP_AO_INFO (set ao_required) failed", err)
	}

	b.logger.Info("tcp-ao listener configured", "listen", listenAddr, "keys_installed", installed)
	return nil
}

func (b *linuxBinder) EnsureInboundSessionHasAO(conn Socket, peer netip.AddrPort) error {
	if testBypassActive() {
		b.logger.Info("tcp-ao test bypass active: ensure_inbound_session_has_ao no-op", "peer", peer)
		return nil
	}

	info, err := getAOInfo(conn)
	if errors.Is(err, errNotFound) {
		b.logger.Debug("tcp-ao session info not found on accepted socket, passing best-effort", "peer", peer)
		return nil
	}
	if err != nil {
		return tcpaoerr.New(tcpaoerr.KindTCPAO, "TCP_AO_INFO getsockopt failed", err)
	}

	if info.Flags&tcpAOInfoFlagRequired == 0 {
		return tcpaoerr.New(tcpaoerr.KindTCPAO, "ensure_inbound_session_has_ao",
			fmt.Errorf("accepted connection from %s is not ao-required", peer))
	}
	return nil
}

// buildTCPAOAdd constructs the key install record described in spec
// section 4.4 "Data marshalling details".
func buildTCPAOAdd(ip netip.Addr, port uint16, keyID uint8, alg NormalizedAlg, key []byte, setCurrent, setRNext bool) (*tcpAOAdd, error) {
	if len(key) > MaxKeyLen {
		return nil, fmt.Errorf("key length %d exceeds max %d", len(key), MaxKeyLen)
	}
	if len(alg.Name) >= MaxAlgNameLen {
		return nil, fmt.Errorf("alg name %q too long", alg.Name)
	}

	add := &tcpAOAdd{
		SndID:     keyID,
		RcvID:     keyID,
		PrefixLen: PrefixLen(ip),
		KeyLen:    uint8(len(key)),
		MacLen:    alg.MacLen,
	}
	copy(add.Key[:], key)
	copy(add.AlgName[:], alg.Name)

	if setCurrent {
		add.Flags |= tcpAOFlagSetCurrent
	}
	if setRNext {
		add.Flags |= tcpAOFlagSetRNext
	}

	sockaddr, err := marshalSockaddrStorage(ip, port)
	if err != nil {
		return nil, err
	}
	add.Addr = sockaddr

	return add, nil
}

// marshalSockaddrStorage builds a kernel sockaddr_storage-compatible byte
// buffer for ip:port — family tag, network-byte-order port, and address
// octets at the sockaddr_in/sockaddr_in6 offsets. Built via explicit byte
// placement rather than an unsafe struct overlay for portability.
func marshalSockaddrStorage(ip netip.Addr, port uint16) ([128]byte, error) {
	var buf [128]byte
	ip = ip.Unmap()

	switch {
	case ip.Is4():
		binary.NativeEndian.PutUint16(buf[0:2], unix.AF_INET)
		binary.BigEndian.PutUint16(buf[2:4], port)
		a4 := ip.As4()
		copy(buf[4:8], a4[:])
	case ip.Is6():
		binary.NativeEndian.PutUint16(buf[0:2], unix.AF_INET6)
		binary.BigEndian.PutUint16(buf[2:4], port)
		// bytes 4:8 are sin6_flowinfo, left zero.
		a16 := ip.As16()
		copy(buf[8:24], a16[:])
		// bytes 24:28 are sin6_scope_id, left zero.
	default:
		return buf, fmt.Errorf("unsupported address family for %s", ip)
	}

	return buf, nil
}

func setAOKey(conn Socket, add *tcpAOAdd) error {
	return withRawConn(conn, func(fd uintptr) syscall.Errno {
		_, _, errno := unix.Syscall6(
			unix.SYS_SETSOCKOPT,
			fd,
			uintptr(unix.IPPROTO_TCP),
			uintptr(tcpAOAddKey),
			uintptr(unsafe.Pointer(add)),
			unsafe.Sizeof(*add),
			0,
		)
		return errno
	})
}

func setAORequired(conn Socket) error {
	info := tcpAOInfoOpt{Flags: tcpAOInfoFlagRequired}
	return withRawConn(conn, func(fd uintptr) syscall.Errno {
		_, _, errno := unix.Syscall6(
			unix.SYS_SETSOCKOPT,
			fd,
			uintptr(unix.IPPROTO_TCP),
			uintptr(tcpAOInfo),
			uintptr(unsafe.Pointer(&info)),
			unsafe.Sizeof(info),
			0,
		)
		return errno
	})
}

func getAOInfo(conn Socket) (tcpAOInfoOpt, error) {
	var info tcpAOInfoOpt
	size := uint32(unsafe.Sizeof(info))

	var callErrno syscall.Errno
	err := withRawConn(conn, func(fd uintptr) syscall.Errno {
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(unix.IPPROTO_TCP),
			uintptr(tcpAOInfo),
			uintptr(unsafe.Pointer(&info)),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		callErrno = errno
		return errno
	})
	if err != nil {
		if callErrno == syscall.ENOENT {
			return tcpAOInfoOpt{}, errNotFound
		}
		return tcpAOInfoOpt{}, err
	}
	return info, nil
}

// withRawConn runs fn with the connection's raw file descriptor and
// converts a non-zero errno into a normalized error, reclassifying
// option-unknown errors as ErrUnsupported (spec section 4.4 "Error
// normalization").
func withRawConn(conn Socket, fn func(fd uintptr) syscall.Errno) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var callErrno syscall.Errno
	ctrlErr := raw.Control(func(fd uintptr) {
		callErrno = fn(fd)
	})
	if ctrlErr != nil {
		return fmt.Errorf("control: %w", ctrlErr)
	}
	if callErrno == 0 {
		return nil
	}
	if isUnsupportedErrno(callErrno) {
		return fmt.Errorf("%w: %s", tcpaoerr.ErrUnsupported, callErrno)
	}
	return callErrno
}

func isUnsupportedErrno(errno syscall.Errno) bool {
	return errno == syscall.ENOPROTOOPT || errno == syscall.EOPNOTSUPP
}
