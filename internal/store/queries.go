package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/wire"
)

// --- Topology upserts (used by the config loader) ---

// PutOwner inserts or updates an owner.
func (t *Tx) PutOwner(o Owner) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO owners (name, long_name) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET long_name = excluded.long_name`,
		o.Name, o.LongName)
	return err
}

// PutISD inserts or updates an isolation domain.
func (t *Tx) PutISD(isd ISD) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO isds (isd, label) VALUES (?, ?)
		ON CONFLICT(isd) DO UPDATE SET label = excluded.label`,
		isd.ID, isd.Label)
	return err
}

// PutAS inserts or updates an AS.
func (t *Tx) PutAS(as AS) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ases (asn, isd, owner, is_core) VALUES (?, ?, ?, ?)
		ON CONFLICT(asn) DO UPDATE SET
			isd = excluded.isd, owner = excluded.owner, is_core = excluded.is_core`,
		int64(as.ASN), as.ISD, as.Owner, as.IsCore)
	return err
}

// PutVLAN inserts or updates a VLAN.
func (t *Tx) PutVLAN(v VLAN) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO vlans (name, long_name, subnet) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			long_name = excluded.long_name, subnet = excluded.subnet`,
		v.Name, v.LongName, v.Subnet)
	return err
}

// PutClient inserts or updates a peering client. An existing secret
// token is kept unless the new one is non-empty.
func (t *Tx) PutClient(c Client) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO peering_clients (asn, name, secret_token) VALUES (?, ?, ?)
		ON CONFLICT(asn, name) DO UPDATE SET
			secret_token = CASE WHEN excluded.secret_token != ''
				THEN excluded.secret_token ELSE secret_token END`,
		int64(c.ASN), c.Name, c.SecretToken)
	return err
}

// PutInterface inserts or updates an interface keyed by (vlan, ip) and
// returns its id.
func (t *Tx) PutInterface(i Interface) (int64, error) {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO interfaces (asn, client, vlan, public_ip, first_port, last_port)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(vlan, public_ip) DO UPDATE SET
			asn = excluded.asn, client = excluded.client,
			first_port = excluded.first_port, last_port = excluded.last_port`,
		int64(i.ASN), i.Client, i.VLAN, i.PublicIP, i.FirstPort, i.LastPort)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT id FROM interfaces WHERE vlan = ? AND public_ip = ?`,
		i.VLAN, i.PublicIP).Scan(&id)
	return id, err
}

// --- Entity lookups ---

// GetOwner returns the owner with the given name.
func (t *Tx) GetOwner(name string) (*Owner, error) {
	var o Owner
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT name, long_name FROM owners WHERE name = ?`, name).
		Scan(&o.Name, &o.LongName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// OwnerOfAS returns the owner of the AS with the given ASN.
func (t *Tx) OwnerOfAS(asn addr.ASN) (*Owner, error) {
	var o Owner
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT o.name, o.long_name FROM owners o
		JOIN ases a ON a.owner = o.name WHERE a.asn = ?`, int64(asn)).
		Scan(&o.Name, &o.LongName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// SearchOwners returns owners whose long name contains the substring,
// case-insensitively, ordered by name.
func (t *Tx) SearchOwners(substr string) ([]Owner, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT name, long_name FROM owners
		WHERE lower(long_name) LIKE '%' || lower(?) || '%' ORDER BY name`,
		substr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []Owner
	for rows.Next() {
		var o Owner
		if err := rows.Scan(&o.Name, &o.LongName); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// OwnerASNs returns the ASNs owned by the named owner, ascending.
func (t *Tx) OwnerASNs(name string) ([]addr.ASN, error) {
	return t.queryASNs(`SELECT asn FROM ases WHERE owner = ? ORDER BY asn`, name)
}

// GetAS returns the AS with the given ASN.
func (t *Tx) GetAS(asn addr.ASN) (*AS, error) {
	var a AS
	var rawASN int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT asn, isd, owner, is_core FROM ases WHERE asn = ?`, int64(asn)).
		Scan(&rawASN, &a.ISD, &a.Owner, &a.IsCore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ASN = addr.ASN(rawASN)
	return &a, nil
}

// GetVLAN returns the VLAN with the given name.
func (t *Tx) GetVLAN(name string) (*VLAN, error) {
	var v VLAN
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT name, long_name, subnet FROM vlans WHERE name = ?`, name).
		Scan(&v.Name, &v.LongName, &v.Subnet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetClient returns the peering client (asn, name).
func (t *Tx) GetClient(asn addr.ASN, name string) (*Client, error) {
	var c Client
	var rawASN int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT asn, name, secret_token FROM peering_clients
		WHERE asn = ? AND name = ?`, int64(asn), name).
		Scan(&rawASN, &c.Name, &c.SecretToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ASN = addr.ASN(rawASN)
	return &c, nil
}

// --- Membership and interfaces ---

// VLANMembers returns the distinct ASNs with at least one interface in
// the VLAN.
func (t *Tx) VLANMembers(vlan string) ([]addr.ASN, error) {
	return t.queryASNs(
		`SELECT DISTINCT asn FROM interfaces WHERE vlan = ? ORDER BY asn`, vlan)
}

// ConnectedVLANs returns the VLANs the AS has an interface on.
func (t *Tx) ConnectedVLANs(asn addr.ASN) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT DISTINCT vlan FROM interfaces WHERE asn = ? ORDER BY vlan`,
		int64(asn))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vlans []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		vlans = append(vlans, v)
	}
	return vlans, rows.Err()
}

// ClientVLANs returns the VLANs a specific client has an interface on.
func (t *Tx) ClientVLANs(asn addr.ASN, client string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT DISTINCT vlan FROM interfaces
		WHERE asn = ? AND client = ? ORDER BY vlan`, int64(asn), client)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vlans []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		vlans = append(vlans, v)
	}
	return vlans, rows.Err()
}

// Interfaces returns the interfaces of an AS in a VLAN, ordered by id.
func (t *Tx) Interfaces(asn addr.ASN, vlan string) ([]Interface, error) {
	return t.queryInterfaces(`
		SELECT id, asn, client, vlan, public_ip, first_port, last_port
		FROM interfaces WHERE asn = ? AND vlan = ? ORDER BY id`,
		int64(asn), vlan)
}

// GetInterface returns the interface at (vlan, ip).
func (t *Tx) GetInterface(vlan, ip string) (*Interface, error) {
	ifaces, err := t.queryInterfaces(`
		SELECT id, asn, client, vlan, public_ip, first_port, last_port
		FROM interfaces WHERE vlan = ? AND public_ip = ?`, vlan, ip)
	if err != nil {
		return nil, err
	}
	if len(ifaces) == 0 {
		return nil, ErrNotFound
	}
	return &ifaces[0], nil
}

// GetInterfaceByID returns the interface with the given id.
func (t *Tx) GetInterfaceByID(id int64) (*Interface, error) {
	ifaces, err := t.queryInterfaces(`
		SELECT id, asn, client, vlan, public_ip, first_port, last_port
		FROM interfaces WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ifaces) == 0 {
		return nil, ErrNotFound
	}
	return &ifaces[0], nil
}

// SetPortRange updates the port range of an interface.
func (t *Tx) SetPortRange(id int64, first, last uint32) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE interfaces SET first_port = ?, last_port = ? WHERE id = ?`,
		first, last, id)
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

// UsedIPs returns the public IPs assigned in the VLAN.
func (t *Tx) UsedIPs(vlan string) (map[string]bool, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT public_ip FROM interfaces WHERE vlan = ?`, vlan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	used := make(map[string]bool)
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		used[ip] = true
	}
	return used, rows.Err()
}

// UsedPorts returns the ports occupied by links on the interface,
// sorted ascending.
func (t *Tx) UsedPorts(ifaceID int64) ([]uint32, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT port FROM (
			SELECT port_a AS port FROM links WHERE interface_a = ?
			UNION ALL
			SELECT port_b AS port FROM links WHERE interface_b = ?
		) ORDER BY port`, ifaceID, ifaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []uint32
	for rows.Next() {
		var p uint32
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// --- Links ---

// CreateLink inserts a link and returns its id.
func (t *Tx) CreateLink(l Link) (int64, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO links (link_type, interface_a, interface_b, port_a, port_b)
		VALUES (?, ?, ?, ?, ?)`,
		string(l.Type), l.InterfaceA, l.InterfaceB, l.PortA, l.PortB)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteLink removes a link by id.
func (t *Tx) DeleteLink(id int64) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM links WHERE id = ?`, id)
	return err
}

// LinksBetween returns the links between interfaces of asn and peer in
// the VLAN, joined with both interfaces.
func (t *Tx) LinksBetween(vlan string, asn, peer addr.ASN) ([]LinkInfo, error) {
	return t.queryLinkInfos(`
		WHERE ia.vlan = ?
		  AND ((ia.asn = ? AND ib.asn = ?) OR (ia.asn = ? AND ib.asn = ?))`,
		vlan, int64(asn), int64(peer), int64(peer), int64(asn))
}

// LinksOnInterface returns the links incident on the interface.
func (t *Tx) LinksOnInterface(ifaceID int64) ([]LinkInfo, error) {
	return t.queryLinkInfos(`WHERE l.interface_a = ? OR l.interface_b = ?`,
		ifaceID, ifaceID)
}

// ClientLinks returns every link involving an interface of the given
// client, used to replay link state on stream open.
func (t *Tx) ClientLinks(asn addr.ASN, client string) ([]LinkInfo, error) {
	return t.queryLinkInfos(`
		WHERE (ia.asn = ? AND ia.client = ?) OR (ib.asn = ? AND ib.client = ?)`,
		int64(asn), client, int64(asn), client)
}

// ConnectedPeers returns the ASNs the AS currently has links with in
// the VLAN.
func (t *Tx) ConnectedPeers(vlan string, asn addr.ASN) ([]addr.ASN, error) {
	return t.queryASNs(`
		SELECT DISTINCT peer FROM (
			SELECT ib.asn AS peer FROM links l
				JOIN interfaces ia ON ia.id = l.interface_a
				JOIN interfaces ib ON ib.id = l.interface_b
				WHERE ia.vlan = ? AND ia.asn = ?
			UNION
			SELECT ia.asn AS peer FROM links l
				JOIN interfaces ia ON ia.id = l.interface_a
				JOIN interfaces ib ON ib.id = l.interface_b
				WHERE ia.vlan = ? AND ib.asn = ?
		) ORDER BY peer`, vlan, int64(asn), vlan, int64(asn))
}

// --- Accepted peers ---

// AcceptedPeers returns the ASNs asn accepts in the VLAN.
func (t *Tx) AcceptedPeers(vlan string, asn addr.ASN) ([]addr.ASN, error) {
	return t.queryASNs(`
		SELECT peer FROM accepted_peers WHERE vlan = ? AND asn = ? ORDER BY peer`,
		vlan, int64(asn))
}

// MutualPeers returns the ASNs that asn accepts and that accept asn
// back in the VLAN.
func (t *Tx) MutualPeers(vlan string, asn addr.ASN) ([]addr.ASN, error) {
	return t.queryASNs(`
		SELECT ab.peer FROM accepted_peers ab
		JOIN accepted_peers ba
			ON ba.vlan = ab.vlan AND ba.asn = ab.peer AND ba.peer = ab.asn
		WHERE ab.vlan = ? AND ab.asn = ? ORDER BY ab.peer`,
		vlan, int64(asn))
}

// AddAcceptedPeer records that asn accepts peer in the VLAN.
func (t *Tx) AddAcceptedPeer(vlan string, asn, peer addr.ASN) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO accepted_peers (vlan, asn, peer) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`, vlan, int64(asn), int64(peer))
	return err
}

// RemoveAcceptedPeer deletes an accepted-peer row.
func (t *Tx) RemoveAcceptedPeer(vlan string, asn, peer addr.ASN) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM accepted_peers WHERE vlan = ? AND asn = ? AND peer = ?`,
		vlan, int64(asn), int64(peer))
	return err
}

// --- Policy sets for the resolver ---

// ASPeerSet returns the peer ASNs named by AS-level policies of
// (vlan, asn) with the given accept value.
func (t *Tx) ASPeerSet(vlan string, asn addr.ASN, accept bool) ([]addr.ASN, error) {
	return t.queryASNs(`
		SELECT peer_asn FROM as_peer_policies
		WHERE vlan = ? AND asn = ? AND accept = ? ORDER BY peer_asn`,
		vlan, int64(asn), accept)
}

// OwnerPeerSet returns the ASNs owned by owners named in owner-level
// policies of (vlan, asn) with the given accept value, excluding asn
// itself.
func (t *Tx) OwnerPeerSet(vlan string, asn addr.ASN, accept bool) ([]addr.ASN, error) {
	return t.queryASNs(`
		SELECT a.asn FROM ases a
		JOIN owner_peer_policies p ON p.peer_owner = a.owner
		WHERE p.vlan = ? AND p.asn = ? AND p.accept = ? AND a.asn != ?
		ORDER BY a.asn`,
		vlan, int64(asn), accept, int64(asn))
}

// ISDPeerSet returns the ASNs in ISDs named by ISD-level policies of
// (vlan, asn) with the given accept value, excluding asn itself.
func (t *Tx) ISDPeerSet(vlan string, asn addr.ASN, accept bool) ([]addr.ASN, error) {
	return t.queryASNs(`
		SELECT a.asn FROM ases a
		JOIN isd_peer_policies p ON p.peer_isd = a.isd
		WHERE p.vlan = ? AND p.asn = ? AND p.accept = ? AND a.asn != ?
		ORDER BY a.asn`,
		vlan, int64(asn), accept, int64(asn))
}

// HasDefaultAccept reports whether (vlan, asn) has an accepting
// default policy.
func (t *Tx) HasDefaultAccept(vlan string, asn addr.ASN) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM default_policies
		WHERE vlan = ? AND asn = ? AND accept = 1`, vlan, int64(asn)).Scan(&n)
	return n > 0, err
}

// --- Scan helpers ---

func (t *Tx) queryASNs(query string, args ...any) ([]addr.ASN, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var asns []addr.ASN
	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		asns = append(asns, addr.ASN(raw))
	}
	return asns, rows.Err()
}

func (t *Tx) queryInterfaces(query string, args ...any) ([]Interface, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ifaces []Interface
	for rows.Next() {
		var i Interface
		var rawASN int64
		if err := rows.Scan(&i.ID, &rawASN, &i.Client, &i.VLAN,
			&i.PublicIP, &i.FirstPort, &i.LastPort); err != nil {
			return nil, err
		}
		i.ASN = addr.ASN(rawASN)
		ifaces = append(ifaces, i)
	}
	return ifaces, rows.Err()
}

// queryLinkInfos runs the canonical link join with the given WHERE
// clause. The clause may refer to l (links), ia and ib (interfaces).
func (t *Tx) queryLinkInfos(where string, args ...any) ([]LinkInfo, error) {
	query := fmt.Sprintf(`
		SELECT l.id, l.link_type, l.port_a, l.port_b,
			ia.id, ia.asn, ia.client, ia.vlan, ia.public_ip, ia.first_port, ia.last_port,
			ib.id, ib.asn, ib.client, ib.vlan, ib.public_ip, ib.first_port, ib.last_port
		FROM links l
		JOIN interfaces ia ON ia.id = l.interface_a
		JOIN interfaces ib ON ib.id = l.interface_b
		%s ORDER BY l.id`, where)

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []LinkInfo
	for rows.Next() {
		var li LinkInfo
		var linkType string
		var asnA, asnB int64
		err := rows.Scan(&li.ID, &linkType, &li.PortA, &li.PortB,
			&li.A.ID, &asnA, &li.A.Client, &li.A.VLAN,
			&li.A.PublicIP, &li.A.FirstPort, &li.A.LastPort,
			&li.B.ID, &asnB, &li.B.Client, &li.B.VLAN,
			&li.B.PublicIP, &li.B.FirstPort, &li.B.LastPort)
		if err != nil {
			return nil, err
		}
		li.Type = wire.LinkType(linkType)
		li.A.ASN = addr.ASN(asnA)
		li.B.ASN = addr.ASN(asnB)
		li.InterfaceA = li.A.ID
		li.InterfaceB = li.B.ID
		links = append(links, li)
	}
	return links, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
