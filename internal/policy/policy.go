// Package policy implements the Policy Store and Policy Selector: the
// indexed, validated set of peer-keyed TCP-AO policies and the rules for
// choosing the one that applies to a given peer endpoint.
package policy

import (
	"errors"
	"fmt"
	"net/netip"
)

// AoPolicy is a single peer-keyed TCP-AO authentication policy.
type AoPolicy struct {
	// Name is a unique human identifier within the store.
	Name string
	// PeerIP is the single IP address (v4 or v6) this policy applies to.
	PeerIP netip.Addr
	// PeerPort, if set, restricts the policy to that exact source port.
	// Absent means "any port on this IP".
	PeerPort *uint16
	// KeyID is the 8-bit send/receive key identifier (same value both ways).
	KeyID uint8
	// RNextKeyID optionally signals the next expected receive key.
	// Reserved: no rollover state machine consumes it.
	RNextKeyID *uint8
	// MacAlg is the MAC algorithm name, in any accepted human spelling.
	MacAlg string
	// KeySource describes where the raw key bytes come from.
	KeySource KeySource
}

// portKey returns a comparable representation of PeerPort for map/tuple use.
func (p AoPolicy) portKey() int32 {
	if p.PeerPort == nil {
		return -1
	}
	return int32(*p.PeerPort)
}

// tupleKey returns the (peer_ip, peer_port) identity used for uniqueness.
func (p AoPolicy) tupleKey() string {
	return fmt.Sprintf("%s/%d", p.PeerIP.String(), p.portKey())
}

// Errors returned by Store validation (invariants in spec section 3/4.1).
var (
	ErrEmptyStore          = errors.New("ao policy store must contain at least one policy")
	ErrDuplicateName       = errors.New("duplicate ao_policy name")
	ErrDuplicatePeerTuple  = errors.New("duplicate ao_policy peer tuple")
	ErrInvalidPeerIP       = errors.New("ao_policy peer_ip is invalid")
)

// Store is an immutable, validated, indexed set of AoPolicy entries.
// It is constructed once at process start and never mutated afterward —
// reload, if ever added, must publish a new Store rather than mutate this one.
type Store struct {
	policies []AoPolicy
}

// NewStore validates entries and returns an immutable Store.
//
// Validation enforces (spec section 3 invariants):
//   - the store is non-empty
//   - every Name is unique
//   - every (PeerIP, PeerPort) tuple is unique, including when both
//     entries omit PeerPort
func NewStore(entries []AoPolicy) (*Store, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyStore
	}

	names := make(map[string]struct{}, len(entries))
	tuples := make(map[string]struct{}, len(entries))

	for _, p := range entries {
		if !p.PeerIP.IsValid() {
			return nil, fmt.Errorf("policy %q: %w", p.Name, ErrInvalidPeerIP)
		}
		if _, dup := names[p.Name]; dup {
			return nil, fmt.Errorf("%q: %w", p.Name, ErrDuplicateName)
		}
		names[p.Name] = struct{}{}

		tk := p.tupleKey()
		if _, dup := tuples[tk]; dup {
			return nil, fmt.Errorf("%s: %w", tk, ErrDuplicatePeerTuple)
		}
		tuples[tk] = struct{}{}
	}

	cp := make([]AoPolicy, len(entries))
	copy(cp, entries)
	return &Store{policies: cp}, nil
}

// All returns a read-only snapshot of the store's policies, in declaration
// order. Selection rules must not depend on this order beyond the
// documented tie-breaks.
func (s *Store) All() []AoPolicy {
	return s.policies
}
