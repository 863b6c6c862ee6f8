package api

import (
	"fmt"
	"net/http"
	"strconv"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/registry"
	"grimm.is/peerd/internal/resolver"
	"grimm.is/peerd/internal/store"
	"grimm.is/peerd/internal/validation"
	"grimm.is/peerd/internal/wire"
)

// policyFromWire converts a wire policy to its stored form, resolving
// the variant from the peer fields.
func policyFromWire(p *wire.Policy) (store.Policy, error) {
	kind := p.Kind()
	if kind == "" {
		return store.Policy{}, fmt.Errorf("exactly one peer field must be set")
	}
	asn, err := addr.ParseASN(p.ASN)
	if err != nil {
		return store.Policy{}, err
	}
	sp := store.Policy{VLAN: p.VLAN, ASN: asn, Kind: kind, Accept: p.Accept}
	switch kind {
	case wire.PolicyAS:
		sp.PeerASN, err = addr.ParseASN(*p.PeerASN)
		if err != nil {
			return store.Policy{}, err
		}
	case wire.PolicyOwner:
		sp.PeerOwner = *p.PeerOwner
	case wire.PolicyISD:
		sp.PeerISD, err = strconv.Atoi(*p.PeerISD)
		if err != nil {
			return store.Policy{}, fmt.Errorf("invalid ISD %q", *p.PeerISD)
		}
	}
	return sp, nil
}

func policyToWire(p store.Policy) wire.Policy {
	wp := wire.Policy{VLAN: p.VLAN, ASN: p.ASN.String(), Accept: p.Accept}
	switch p.Kind {
	case wire.PolicyDefault:
		wp.PeerEveryone = true
	case wire.PolicyAS:
		s := p.PeerASN.String()
		wp.PeerASN = &s
	case wire.PolicyOwner:
		s := p.PeerOwner
		wp.PeerOwner = &s
	case wire.PolicyISD:
		s := strconv.Itoa(p.PeerISD)
		wp.PeerISD = &s
	}
	return wp
}

// requirePrimary rejects callers that did not win arbitration on the
// VLAN they are mutating.
func requirePrimary(reg *registry.Registry, c Caller, vlan string) error {
	if !reg.IsPrimary(c.ASN, c.Client, vlan) {
		return wire.Errorf(wire.CodePermissionDenied,
			"client %s is not the primary of AS %s on VLAN %s", c.Client, c.ASN, vlan)
	}
	return nil
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) error {
	var req wire.Policy
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	caller := callerFrom(r)

	p, err := policyFromWire(&req)
	if err != nil {
		return wire.Errorf(wire.CodeInvalidArgument, "%v", err)
	}
	if p.ASN != caller.ASN {
		return wire.Errorf(wire.CodePermissionDenied,
			"cannot create policies for AS %s", p.ASN)
	}
	if err := requirePrimary(s.registry, caller, p.VLAN); err != nil {
		return err
	}

	var notifs []resolver.Notification
	err = s.store.WriteTx(r.Context(), func(tx *store.Tx) error {
		if err := tx.ValidatePolicy(p); err != nil {
			return wire.Errorf(wire.CodeInvalidArgument, "%v", err)
		}
		if err := tx.CreatePolicy(p); err != nil {
			return mapStoreError(err, "policy")
		}
		notifs, err = resolver.Reconcile(tx, p.VLAN, p.ASN)
		return err
	})
	if err != nil {
		return err
	}
	s.deliver(notifs)
	writeJSON(w, http.StatusOK, policyToWire(p))
	return nil
}

func (s *Server) handleDestroyPolicy(w http.ResponseWriter, r *http.Request) error {
	var req wire.Policy
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	caller := callerFrom(r)

	p, err := policyFromWire(&req)
	if err != nil {
		return wire.Errorf(wire.CodeInvalidArgument, "%v", err)
	}
	if p.ASN != caller.ASN {
		return wire.Errorf(wire.CodePermissionDenied,
			"cannot destroy policies of AS %s", p.ASN)
	}
	if err := requirePrimary(s.registry, caller, p.VLAN); err != nil {
		return err
	}

	var notifs []resolver.Notification
	err = s.store.WriteTx(r.Context(), func(tx *store.Tx) error {
		if err := tx.DeletePolicy(p); err != nil {
			return mapStoreError(err, "policy")
		}
		notifs, err = resolver.Reconcile(tx, p.VLAN, p.ASN)
		return err
	})
	if err != nil {
		return err
	}
	s.deliver(notifs)
	writeJSON(w, http.StatusOK, struct{}{})
	return nil
}

func (s *Server) handleSetPolicies(w http.ResponseWriter, r *http.Request) error {
	var req wire.SetPoliciesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	caller := callerFrom(r)

	if req.VLAN != "" {
		if err := requirePrimary(s.registry, caller, req.VLAN); err != nil {
			return err
		}
	} else if !s.registry.IsPrimaryAll(caller.ASN, caller.Client) {
		return wire.Errorf(wire.CodePermissionDenied,
			"client %s is not the primary of AS %s on every VLAN", caller.Client, caller.ASN)
	}

	var resp wire.SetPoliciesResponse
	reject := func(p wire.Policy, err error) {
		resp.RejectedPolicies = append(resp.RejectedPolicies, p)
		resp.Errors = append(resp.Errors, err.Error())
	}

	var notifs []resolver.Notification
	err := s.store.WriteTx(r.Context(), func(tx *store.Tx) error {
		if err := tx.DeletePolicies(caller.ASN, req.VLAN); err != nil {
			return err
		}

		for _, wp := range req.Policies {
			p, err := policyFromWire(&wp)
			if err != nil {
				reject(wp, err)
				continue
			}
			if p.ASN != caller.ASN {
				reject(wp, fmt.Errorf("policy belongs to AS %s", p.ASN))
				continue
			}
			if req.VLAN != "" && p.VLAN != req.VLAN {
				reject(wp, fmt.Errorf("policy VLAN %s outside request VLAN %s", p.VLAN, req.VLAN))
				continue
			}
			if err := tx.ValidatePolicy(p); err != nil {
				reject(wp, err)
				continue
			}
			if err := tx.CreatePolicy(p); err != nil {
				reject(wp, err)
			}
		}

		// Atomic mode: any rejection undoes the whole replacement. The
		// rejection list still goes back to the caller.
		if len(resp.RejectedPolicies) > 0 && !req.ContinueOnError {
			tx.SetRollbackOnly()
			return nil
		}

		vlans := []string{req.VLAN}
		if req.VLAN == "" {
			var err error
			vlans, err = tx.ConnectedVLANs(caller.ASN)
			if err != nil {
				return err
			}
		}
		for _, vlan := range vlans {
			ns, err := resolver.Reconcile(tx, vlan, caller.ASN)
			if err != nil {
				return err
			}
			notifs = append(notifs, ns...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.deliver(notifs)
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) error {
	var req wire.ListPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	caller := callerFrom(r)

	// Clients only see their own policies.
	asn := caller.ASN
	if req.ASN != "" {
		var err error
		asn, err = addr.ParseASN(req.ASN)
		if err != nil {
			return wire.Errorf(wire.CodeInvalidArgument, "%v", err)
		}
		if asn != caller.ASN {
			return wire.Errorf(wire.CodePermissionDenied,
				"cannot list policies of AS %s", asn)
		}
	}

	filter := store.PolicyFilter{VLAN: req.VLAN, ASN: &asn, Accept: req.Accept}
	nPeer := 0
	if req.PeerEveryone {
		filter.Kind = wire.PolicyDefault
		nPeer++
	}
	if req.PeerASN != nil {
		peer, err := addr.ParseASN(*req.PeerASN)
		if err != nil {
			return wire.Errorf(wire.CodeInvalidArgument, "%v", err)
		}
		filter.Kind, filter.PeerASN = wire.PolicyAS, &peer
		nPeer++
	}
	if req.PeerOwner != nil {
		filter.Kind, filter.PeerOwner = wire.PolicyOwner, *req.PeerOwner
		nPeer++
	}
	if req.PeerISD != nil {
		isd, err := strconv.Atoi(*req.PeerISD)
		if err != nil {
			return wire.Errorf(wire.CodeInvalidArgument, "invalid ISD %q", *req.PeerISD)
		}
		filter.Kind, filter.PeerISD = wire.PolicyISD, &isd
		nPeer++
	}
	if nPeer > 1 {
		return wire.Errorf(wire.CodeInvalidArgument, "at most one peer filter may be set")
	}

	var policies []store.Policy
	err := s.store.ReadTx(r.Context(), func(tx *store.Tx) error {
		var err error
		policies, err = tx.ListPolicies(filter)
		return err
	})
	if err != nil {
		return err
	}

	enc := ndjson(w)
	for _, p := range policies {
		if err := enc.Encode(policyToWire(p)); err != nil {
			return nil
		}
	}
	return nil
}

func (s *Server) handleSetPortRange(w http.ResponseWriter, r *http.Request) error {
	var req wire.PortRange
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	caller := callerFrom(r)

	if err := validation.ValidatePortRange(req.FirstPort, req.LastPort); err != nil {
		return wire.Errorf(wire.CodeInvalidArgument, "%v", err)
	}

	var notifs []resolver.Notification
	err := s.store.WriteTx(r.Context(), func(tx *store.Tx) error {
		iface, err := tx.GetInterface(req.InterfaceVLAN, req.InterfaceIP)
		if err != nil {
			return mapStoreError(err, "interface")
		}
		if iface.ASN != caller.ASN {
			return wire.Errorf(wire.CodePermissionDenied,
				"interface belongs to AS %s", iface.ASN)
		}
		if err := requirePrimary(s.registry, caller, iface.VLAN); err != nil {
			return err
		}

		grows := req.FirstPort <= iface.FirstPort && req.LastPort >= iface.LastPort
		if err := tx.SetPortRange(iface.ID, req.FirstPort, req.LastPort); err != nil {
			return err
		}
		if grows {
			return nil
		}

		// The range shrank: tear the interface's links down and let
		// reconciliation rebuild what still fits.
		notifs, err = resolver.DestroyInterfaceLinks(tx, iface.ID)
		if err != nil {
			return err
		}
		ns, err := resolver.UpdateLinks(tx, iface.VLAN, iface.ASN)
		if err != nil {
			return err
		}
		notifs = append(notifs, ns...)
		return nil
	})
	if err != nil {
		return err
	}
	s.deliver(notifs)
	writeJSON(w, http.StatusOK, struct{}{})
	return nil
}
