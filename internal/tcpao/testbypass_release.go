//go:build release

package tcpao

// testNoAOEnv is kept for parity with the default build; release builds
// never read it.
const testNoAOEnv = "TCPAO_PROXY_TEST_NO_AO"

// testBypassActive always reports false in release builds — the bypass
// hatch is ignored even if the environment variable leaks into production.
func testBypassActive() bool {
	return false
}
