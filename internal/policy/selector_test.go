package policy_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/asadarafat/tcpao-proxy/internal/policy"
	"github.com/asadarafat/tcpao-proxy/internal/tcpaoerr"
)

func u16(v uint16) *uint16 { return &v }

func mustStore(t *testing.T, entries []policy.AoPolicy) *policy.Store {
	t.Helper()
	s, err := policy.NewStore(entries)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// S2 — exact port wins over an ip-only fallback.
func TestSelect_ExactPortWins(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.2")
	store := mustStore(t, []policy.AoPolicy{
		{Name: "ip-only", PeerIP: ip, KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
		{Name: "with-port", PeerIP: ip, PeerPort: u16(1790), KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
	})

	got, err := policy.Select(store, ip, u16(1790))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Name != "with-port" {
		t.Fatalf("got %q, want with-port", got.Name)
	}
}

// S3 — two port-specific entries, unknown port, no ip-only fallback: no match.
func TestSelect_AmbiguousUnknownPort(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.2")
	store := mustStore(t, []policy.AoPolicy{
		{Name: "p1790", PeerIP: ip, PeerPort: u16(1790), KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
		{Name: "p1791", PeerIP: ip, PeerPort: u16(1791), KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
	})

	_, err := policy.Select(store, ip, nil)
	if !tcpaoerr.Is(err, tcpaoerr.KindNoPolicyForPeer) {
		t.Fatalf("Select: got %v, want KindNoPolicyForPeer", err)
	}
}

// Exactly one (ip, _) policy with no port in the query is acceptable —
// the "exactly one" tie-break (preserved from original_source/src/tcpao/policy.rs's
// policy_matches_port_specific_entry_when_port_is_unavailable, which is
// consistent with the stricter rule).
func TestSelect_SinglePortSpecificFallsBackWhenPortUnknown(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.2")
	store := mustStore(t, []policy.AoPolicy{
		{Name: "only", PeerIP: ip, PeerPort: u16(1790), KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
	})

	got, err := policy.Select(store, ip, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Name != "only" {
		t.Fatalf("got %q, want only", got.Name)
	}
}

func TestSelect_IPOnlyPreferredWhenPortUnknown(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.2")
	store := mustStore(t, []policy.AoPolicy{
		{Name: "ip-only", PeerIP: ip, KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
		{Name: "with-port", PeerIP: ip, PeerPort: u16(1790), KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
	})

	got, err := policy.Select(store, ip, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Name != "ip-only" {
		t.Fatalf("got %q, want ip-only", got.Name)
	}
}

func TestSelect_UnknownPeerNoMatch(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.2")
	other := netip.MustParseAddr("10.0.0.3")
	store := mustStore(t, []policy.AoPolicy{
		{Name: "only", PeerIP: ip, KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
	})

	_, err := policy.Select(store, other, nil)
	if !tcpaoerr.Is(err, tcpaoerr.KindNoPolicyForPeer) {
		t.Fatalf("Select: got %v, want KindNoPolicyForPeer", err)
	}
}

// S4 — duplicate (ip, None) tuple rejected at store construction.
func TestNewStore_RejectsDuplicateTuple(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.2")
	_, err := policy.NewStore([]policy.AoPolicy{
		{Name: "a", PeerIP: ip, KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
		{Name: "b", PeerIP: ip, KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
	})
	if !errors.Is(err, policy.ErrDuplicatePeerTuple) {
		t.Fatalf("NewStore: got %v, want ErrDuplicatePeerTuple", err)
	}
}

func TestNewStore_RejectsDuplicateName(t *testing.T) {
	_, err := policy.NewStore([]policy.AoPolicy{
		{Name: "a", PeerIP: netip.MustParseAddr("10.0.0.2"), KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
		{Name: "a", PeerIP: netip.MustParseAddr("10.0.0.3"), KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
	})
	if !errors.Is(err, policy.ErrDuplicateName) {
		t.Fatalf("NewStore: got %v, want ErrDuplicateName", err)
	}
}

func TestNewStore_RejectsEmpty(t *testing.T) {
	_, err := policy.NewStore(nil)
	if !errors.Is(err, policy.ErrEmptyStore) {
		t.Fatalf("NewStore: got %v, want ErrEmptyStore", err)
	}
}

// select is order-independent: two stores with the same contents in
// different declaration order must produce the same decision (invariant 2).
func TestSelect_OrderIndependent(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.2")
	a := []policy.AoPolicy{
		{Name: "ip-only", PeerIP: ip, KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
		{Name: "with-port", PeerIP: ip, PeerPort: u16(1790), KeySource: policy.KeySource{Kind: policy.KeySourceEnv, Value: "K"}},
	}
	b := []policy.AoPolicy{a[1], a[0]}

	storeA := mustStore(t, a)
	storeB := mustStore(t, b)

	gotA, errA := policy.Select(storeA, ip, u16(1790))
	gotB, errB := policy.Select(storeB, ip, u16(1790))
	if errA != nil || errB != nil {
		t.Fatalf("errors: %v / %v", errA, errB)
	}
	if gotA.Name != gotB.Name {
		t.Fatalf("order dependence: %q != %q", gotA.Name, gotB.Name)
	}
}
