//go:build !release

package tcpao

import (
	"os"
	"strings"
)

// testNoAOEnv is the env var name that, when truthy, disables every AO
// operation and turns them into logged no-ops. Debug-build only: see
// testbypass_release.go for the release-build override that ignores it
// unconditionally.
const testNoAOEnv = "TCPAO_PROXY_TEST_NO_AO"

// testBypassActive reports whether the test bypass hatch is active in
// this build. Default (non-release) builds honor the environment variable.
func testBypassActive() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(testNoAOEnv)))
	return v == "1" || v == "true"
}
