package mode_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asadarafat/tcpao-proxy/internal/config"
	"github.com/asadarafat/tcpao-proxy/internal/metrics"
	"github.com/asadarafat/tcpao-proxy/internal/mode"
	"github.com/asadarafat/tcpao-proxy/internal/tcpao"
)

// S1 — end-to-end: a client writes through the Initiator, across a
// (test-bypassed) TCP-AO hop, through the Terminator, to an echo server,
// and reads the identical bytes back.
func TestEndToEnd_SimpleTrafficFlowsThroughBothModes(t *testing.T) {
	t.Setenv("TCPAO_PROXY_TEST_NO_AO", "1")
	t.Setenv("TCPAO_TEST_KEY", "tcpao-functional-key")

	initiatorPlainPort := freePort(t)
	terminatorAOPort := freePort(t)
	terminatorPlainPort := freePort(t)

	dir := t.TempDir()
	initiatorCfgPath := filepath.Join(dir, "initiator.toml")
	terminatorCfgPath := filepath.Join(dir, "terminator.toml")

	writeFile(t, initiatorCfgPath, fmt.Sprintf(
		"[global]\nlog_format = \"text\"\nidle_timeout_secs = 30\n\n"+
			"[initiator]\nlisten_plain = \"127.0.0.1:%d\"\nremote_ao = \"127.0.0.1:%d\"\n\n"+
			"[[ao_policy]]\nname = \"e2e\"\npeer_ip = \"127.0.0.1\"\nkeyid = 1\nmac_alg = \"hmac-sha1\"\nkey_source = \"env:TCPAO_TEST_KEY\"\n",
		initiatorPlainPort, terminatorAOPort))

	writeFile(t, terminatorCfgPath, fmt.Sprintf(
		"[global]\nlog_format = \"text\"\nidle_timeout_secs = 30\n\n"+
			"[terminator]\nlisten_ao = \"127.0.0.1:%d\"\nforward_plain = \"127.0.0.1:%d\"\n\n"+
			"[[ao_policy]]\nname = \"e2e\"\npeer_ip = \"127.0.0.1\"\nkeyid = 1\nmac_alg = \"hmac-sha1\"\nkey_source = \"env:TCPAO_TEST_KEY\"\n",
		terminatorAOPort, terminatorPlainPort))

	initiatorCfg, err := config.Load(initiatorCfgPath, config.ModeInitiator)
	if err != nil {
		t.Fatalf("load initiator config: %v", err)
	}
	terminatorCfg, err := config.Load(terminatorCfgPath, config.ModeTerminator)
	if err != nil {
		t.Fatalf("load terminator config: %v", err)
	}

	echoAddr := fmt.Sprintf("127.0.0.1:%d", terminatorPlainPort)
	echoLn, err := net.Listen("tcp", echoAddr)
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	echoDone := make(chan error, 1)
	go func() { echoDone <- runEchoOnce(echoLn) }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	binder := tcpao.NewBinder(logger)

	initiatorStore, err := config.BuildStore(initiatorCfg.AoPolicy)
	if err != nil {
		t.Fatalf("build initiator store: %v", err)
	}
	terminatorStore, err := config.BuildStore(terminatorCfg.AoPolicy)
	if err != nil {
		t.Fatalf("build terminator store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initiatorDone := make(chan error, 1)
	terminatorDone := make(chan error, 1)

	go func() {
		initiatorDone <- mode.RunInitiator(ctx, *initiatorCfg.Initiator, mode.Deps{
			Global: initiatorCfg.Global, Store: initiatorStore, Binder: binder,
			Metrics: metrics.New(), Logger: logger,
		})
	}()
	go func() {
		terminatorDone <- mode.RunTerminator(ctx, *terminatorCfg.Terminator, mode.Deps{
			Global: terminatorCfg.Global, Store: terminatorStore, Binder: binder,
			Metrics: metrics.New(), Logger: logger,
		})
	}()

	payload := []byte("hello-through-tcpao")
	initiatorAddr := fmt.Sprintf("127.0.0.1:%d", initiatorPlainPort)

	deadline := time.Now().Add(10 * time.Second)
	var gotPayload bool
	for time.Now().Before(deadline) {
		select {
		case err := <-initiatorDone:
			t.Fatalf("initiator exited early: %v", err)
		case err := <-terminatorDone:
			t.Fatalf("terminator exited early: %v", err)
		default:
		}

		conn, err := net.DialTimeout("tcp", initiatorAddr, 200*time.Millisecond)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		conn.SetDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Write(payload); err != nil {
			conn.Close()
			time.Sleep(100 * time.Millisecond)
			continue
		}
		got := make([]byte, len(payload))
		if _, err := io.ReadFull(conn, got); err != nil {
			conn.Close()
			time.Sleep(100 * time.Millisecond)
			continue
		}
		conn.Close()
		if bytes.Equal(got, payload) {
			gotPayload = true
		}
		break
	}

	cancel()

	if !gotPayload {
		t.Fatal("timed out waiting for end-to-end payload through both modes")
	}

	select {
	case err := <-echoDone:
		if err != nil {
			t.Fatalf("echo server error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("echo server did not finish")
	}
}

func runEchoOnce(ln net.Listener) error {
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	buf := make([]byte, 4096)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free_port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
