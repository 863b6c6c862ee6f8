package store

import (
	"database/sql"
	"errors"
	"fmt"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/wire"
)

// ValidatePolicy checks a policy against the topology: the VLAN and AS
// must exist, the AS must be a member of the VLAN, the peer must exist
// and, for AS-level policies, differ from the AS itself.
func (t *Tx) ValidatePolicy(p Policy) error {
	if _, err := t.GetVLAN(p.VLAN); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("unknown VLAN: %s", p.VLAN)
		}
		return err
	}
	if _, err := t.GetAS(p.ASN); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("unknown AS: %s", p.ASN)
		}
		return err
	}

	ifaces, err := t.Interfaces(p.ASN, p.VLAN)
	if err != nil {
		return err
	}
	if len(ifaces) == 0 {
		return fmt.Errorf("AS %s is not a member of VLAN %s", p.ASN, p.VLAN)
	}

	switch p.Kind {
	case wire.PolicyDefault:
		return nil
	case wire.PolicyAS:
		if p.PeerASN == p.ASN {
			return fmt.Errorf("AS %s cannot peer with itself", p.ASN)
		}
		if _, err := t.GetAS(p.PeerASN); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("unknown peer AS: %s", p.PeerASN)
			}
			return err
		}
		return nil
	case wire.PolicyOwner:
		if _, err := t.GetOwner(p.PeerOwner); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("unknown owner: %s", p.PeerOwner)
			}
			return err
		}
		return nil
	case wire.PolicyISD:
		var n int
		err := t.tx.QueryRowContext(t.ctx,
			`SELECT COUNT(*) FROM isds WHERE isd = ?`, p.PeerISD).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("unknown ISD: %d", p.PeerISD)
		}
		return nil
	default:
		return fmt.Errorf("invalid policy kind: %q", p.Kind)
	}
}

// CreatePolicy inserts a policy. Returns ErrAlreadyExists if a policy
// with the same natural key exists.
func (t *Tx) CreatePolicy(p Policy) error {
	var err error
	switch p.Kind {
	case wire.PolicyDefault:
		_, err = t.tx.ExecContext(t.ctx, `
			INSERT INTO default_policies (vlan, asn, accept) VALUES (?, ?, ?)`,
			p.VLAN, int64(p.ASN), p.Accept)
	case wire.PolicyAS:
		_, err = t.tx.ExecContext(t.ctx, `
			INSERT INTO as_peer_policies (vlan, asn, peer_asn, accept)
			VALUES (?, ?, ?, ?)`,
			p.VLAN, int64(p.ASN), int64(p.PeerASN), p.Accept)
	case wire.PolicyOwner:
		_, err = t.tx.ExecContext(t.ctx, `
			INSERT INTO owner_peer_policies (vlan, asn, peer_owner, accept)
			VALUES (?, ?, ?, ?)`,
			p.VLAN, int64(p.ASN), p.PeerOwner, p.Accept)
	case wire.PolicyISD:
		_, err = t.tx.ExecContext(t.ctx, `
			INSERT INTO isd_peer_policies (vlan, asn, peer_isd, accept)
			VALUES (?, ?, ?, ?)`,
			p.VLAN, int64(p.ASN), p.PeerISD, p.Accept)
	default:
		return fmt.Errorf("invalid policy kind: %q", p.Kind)
	}
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// DeletePolicy removes the policy with the natural key of p. Returns
// ErrNotFound if no such policy exists. The Accept value is not part
// of the key.
func (t *Tx) DeletePolicy(p Policy) error {
	var res sql.Result
	var err error
	switch p.Kind {
	case wire.PolicyDefault:
		res, err = t.tx.ExecContext(t.ctx, `
			DELETE FROM default_policies WHERE vlan = ? AND asn = ?`,
			p.VLAN, int64(p.ASN))
	case wire.PolicyAS:
		res, err = t.tx.ExecContext(t.ctx, `
			DELETE FROM as_peer_policies
			WHERE vlan = ? AND asn = ? AND peer_asn = ?`,
			p.VLAN, int64(p.ASN), int64(p.PeerASN))
	case wire.PolicyOwner:
		res, err = t.tx.ExecContext(t.ctx, `
			DELETE FROM owner_peer_policies
			WHERE vlan = ? AND asn = ? AND peer_owner = ?`,
			p.VLAN, int64(p.ASN), p.PeerOwner)
	case wire.PolicyISD:
		res, err = t.tx.ExecContext(t.ctx, `
			DELETE FROM isd_peer_policies
			WHERE vlan = ? AND asn = ? AND peer_isd = ?`,
			p.VLAN, int64(p.ASN), p.PeerISD)
	default:
		return fmt.Errorf("invalid policy kind: %q", p.Kind)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePolicies removes every policy of the AS, optionally restricted
// to one VLAN.
func (t *Tx) DeletePolicies(asn addr.ASN, vlan string) error {
	for _, table := range []string{
		"default_policies", "as_peer_policies",
		"owner_peer_policies", "isd_peer_policies",
	} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE asn = ?`, table)
		args := []any{int64(asn)}
		if vlan != "" {
			query += ` AND vlan = ?`
			args = append(args, vlan)
		}
		if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// ListPolicies returns the policies matching every set filter field,
// across all four variants unless f.Kind narrows to one.
func (t *Tx) ListPolicies(f PolicyFilter) ([]Policy, error) {
	var policies []Policy

	appendFrom := func(kind wire.PolicyKind) error {
		ps, err := t.listKind(kind, f)
		if err != nil {
			return err
		}
		policies = append(policies, ps...)
		return nil
	}

	kinds := []wire.PolicyKind{
		wire.PolicyDefault, wire.PolicyAS, wire.PolicyOwner, wire.PolicyISD,
	}
	if f.Kind != "" {
		kinds = []wire.PolicyKind{f.Kind}
	}
	for _, kind := range kinds {
		if err := appendFrom(kind); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

func (t *Tx) listKind(kind wire.PolicyKind, f PolicyFilter) ([]Policy, error) {
	var table, peerCol string
	switch kind {
	case wire.PolicyDefault:
		table, peerCol = "default_policies", ""
	case wire.PolicyAS:
		table, peerCol = "as_peer_policies", "peer_asn"
	case wire.PolicyOwner:
		table, peerCol = "owner_peer_policies", "peer_owner"
	case wire.PolicyISD:
		table, peerCol = "isd_peer_policies", "peer_isd"
	default:
		return nil, fmt.Errorf("invalid policy kind: %q", kind)
	}

	cols := "vlan, asn, accept"
	if peerCol != "" {
		cols += ", " + peerCol
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1=1`, cols, table)
	var args []any
	if f.VLAN != "" {
		query += ` AND vlan = ?`
		args = append(args, f.VLAN)
	}
	if f.ASN != nil {
		query += ` AND asn = ?`
		args = append(args, int64(*f.ASN))
	}
	if f.Accept != nil {
		query += ` AND accept = ?`
		args = append(args, *f.Accept)
	}
	switch {
	case kind == wire.PolicyAS && f.PeerASN != nil:
		query += ` AND peer_asn = ?`
		args = append(args, int64(*f.PeerASN))
	case kind == wire.PolicyOwner && f.PeerOwner != "":
		query += ` AND peer_owner = ?`
		args = append(args, f.PeerOwner)
	case kind == wire.PolicyISD && f.PeerISD != nil:
		query += ` AND peer_isd = ?`
		args = append(args, *f.PeerISD)
	}
	query += ` ORDER BY vlan, asn`

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		p := Policy{Kind: kind}
		var rawASN int64
		switch kind {
		case wire.PolicyDefault:
			err = rows.Scan(&p.VLAN, &rawASN, &p.Accept)
		case wire.PolicyAS:
			var peer int64
			err = rows.Scan(&p.VLAN, &rawASN, &p.Accept, &peer)
			p.PeerASN = addr.ASN(peer)
		case wire.PolicyOwner:
			err = rows.Scan(&p.VLAN, &rawASN, &p.Accept, &p.PeerOwner)
		case wire.PolicyISD:
			err = rows.Scan(&p.VLAN, &rawASN, &p.Accept, &p.PeerISD)
		}
		if err != nil {
			return nil, err
		}
		p.ASN = addr.ASN(rawASN)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
