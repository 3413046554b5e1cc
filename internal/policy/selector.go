package policy

import (
	"fmt"
	"net/netip"

	"github.com/asadarafat/tcpao-proxy/internal/tcpaoerr"
)

// Select chooses at most one policy applicable to (ip, port) out of the
// store, or reports no match. It implements the stricter selection rule
// codified by this system (ambiguity on an unknown port is a failure,
// not a "pick the first" fallback).
//
// Matching rules, evaluated in order, stopping at the first rule that
// produces a decision:
//
//	ip, port=P:    1. exact (ip, Some(P))  2. else (ip, None)  3. else no match
//	ip, port=None: 1. (ip, None) if unique 2. else exactly-one (ip, _) 3. else no match (ambiguous)
//
// The result is a pure function of the store's contents and the query;
// it does not depend on declaration order beyond the documented tie-breaks.
func Select(s *Store, ip netip.Addr, port *uint16) (*AoPolicy, error) {
	ip = ip.Unmap()

	var ipOnly *AoPolicy
	var portMatches []*AoPolicy

	policies := s.All()
	for i := range policies {
		p := &policies[i]
		if p.PeerIP.Unmap() != ip {
			continue
		}
		if p.PeerPort == nil {
			if ipOnly == nil {
				ipOnly = p
			}
			continue
		}
		portMatches = append(portMatches, p)
	}

	if port != nil {
		for _, p := range portMatches {
			if *p.PeerPort == *port {
				return p, nil
			}
		}
		if ipOnly != nil {
			return ipOnly, nil
		}
		return nil, noMatch(ip)
	}

	if ipOnly != nil {
		return ipOnly, nil
	}
	if len(portMatches) == 1 {
		return portMatches[0], nil
	}
	return nil, noMatch(ip)
}

func noMatch(ip netip.Addr) error {
	return tcpaoerr.New(tcpaoerr.KindNoPolicyForPeer,
		fmt.Sprintf("no ao policy matched peer %s", ip), tcpaoerr.ErrNoPolicyForPeer)
}
