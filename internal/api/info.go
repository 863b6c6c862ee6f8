package api

import (
	"net/http"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/store"
	"grimm.is/peerd/internal/wire"
)

func ownerToWire(tx *store.Tx, o *store.Owner) (*wire.Owner, error) {
	asns, err := tx.OwnerASNs(o.Name)
	if err != nil {
		return nil, err
	}
	out := &wire.Owner{Name: o.Name, LongName: o.LongName, ASNs: []string{}}
	for _, a := range asns {
		out.ASNs = append(out.ASNs, a.String())
	}
	return out, nil
}

func (s *Server) handleGetOwner(w http.ResponseWriter, r *http.Request) error {
	var req wire.GetOwnerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if req.Name == "" && req.ASN == "" {
		return wire.Errorf(wire.CodeInvalidArgument, "name or asn must be set")
	}

	var resp *wire.Owner
	err := s.store.ReadTx(r.Context(), func(tx *store.Tx) error {
		var owner *store.Owner
		var err error
		if req.ASN != "" {
			asn, perr := addr.ParseASN(req.ASN)
			if perr != nil {
				return wire.Errorf(wire.CodeInvalidArgument, "%v", perr)
			}
			owner, err = tx.OwnerOfAS(asn)
		} else {
			owner, err = tx.GetOwner(req.Name)
		}
		if err != nil {
			return mapStoreError(err, "owner")
		}
		// With both selectors set they must agree.
		if req.Name != "" && owner.Name != req.Name {
			return wire.Errorf(wire.CodeNotFound, "owner not found")
		}
		resp, err = ownerToWire(tx, owner)
		return err
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleSearchOwner(w http.ResponseWriter, r *http.Request) error {
	var req wire.SearchOwnerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if req.LongName == "" {
		return wire.Errorf(wire.CodeInvalidArgument, "long_name must be set")
	}

	var results []*wire.Owner
	err := s.store.ReadTx(r.Context(), func(tx *store.Tx) error {
		owners, err := tx.SearchOwners(req.LongName)
		if err != nil {
			return err
		}
		for i := range owners {
			wo, err := ownerToWire(tx, &owners[i])
			if err != nil {
				return err
			}
			results = append(results, wo)
		}
		return nil
	})
	if err != nil {
		return err
	}

	enc := ndjson(w)
	for _, wo := range results {
		if err := enc.Encode(wo); err != nil {
			return nil
		}
	}
	return nil
}
