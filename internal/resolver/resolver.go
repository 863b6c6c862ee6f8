// Package resolver evaluates peering policies into the AcceptedPeer
// relation and reconciles the set of materialised links against it.
//
// All functions run inside the caller's transaction and return the
// notifications to deliver after commit. They never touch the client
// registry themselves.
package resolver

import (
	"errors"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/alloc"
	"grimm.is/peerd/internal/logging"
	"grimm.is/peerd/internal/metrics"
	"grimm.is/peerd/internal/store"
	"grimm.is/peerd/internal/wire"
)

var log = logging.WithComponent("resolver")

// Notification is a stream message destined for every connected client
// of ASN. Exactly one of LinkUpdate and Error is set.
type Notification struct {
	ASN        addr.ASN
	LinkUpdate *wire.LinkUpdate
	Error      *wire.AsyncError
}

type asnSet map[addr.ASN]bool

func toSet(asns []addr.ASN) asnSet {
	s := make(asnSet, len(asns))
	for _, a := range asns {
		s[a] = true
	}
	return s
}

func (s asnSet) union(other asnSet) asnSet {
	for a := range other {
		s[a] = true
	}
	return s
}

func (s asnSet) minus(others ...asnSet) asnSet {
	out := make(asnSet, len(s))
	for a := range s {
		keep := true
		for _, o := range others {
			if o[a] {
				keep = false
				break
			}
		}
		if keep {
			out[a] = true
		}
	}
	return out
}

// Reconcile recomputes the accepted peers of (vlan, asn) and then
// updates its links. It is the standard suffix of every policy
// mutation.
func Reconcile(tx *store.Tx, vlan string, asn addr.ASN) ([]Notification, error) {
	if err := UpdateAcceptedPeers(tx, vlan, asn); err != nil {
		return nil, err
	}
	return UpdateLinks(tx, vlan, asn)
}

// UpdateAcceptedPeers recomputes which ASes asn accepts for peering on
// the VLAN and applies the minimal diff to the AcceptedPeer relation.
func UpdateAcceptedPeers(tx *store.Tx, vlan string, asn addr.ASN) error {
	accept, err := acceptedPeers(tx, vlan, asn)
	if err != nil {
		return err
	}

	stored, err := tx.AcceptedPeers(vlan, asn)
	if err != nil {
		return err
	}
	old := toSet(stored)

	for peer := range old {
		if !accept[peer] {
			if err := tx.RemoveAcceptedPeer(vlan, asn, peer); err != nil {
				return err
			}
		}
	}
	for peer := range accept {
		if !old[peer] {
			if err := tx.AddAcceptedPeer(vlan, asn, peer); err != nil {
				return err
			}
		}
	}
	return nil
}

// acceptedPeers evaluates the policy tables for (vlan, asn).
//
// More specific policies win: AS beats owner beats ISD beats default.
// The same AS, owner or ISD cannot be accepted and rejected at once,
// the policy tables' uniqueness constraints rule that out.
func acceptedPeers(tx *store.Tx, vlan string, asn addr.ASN) (asnSet, error) {
	asAccept, err := tx.ASPeerSet(vlan, asn, true)
	if err != nil {
		return nil, err
	}
	asReject, err := tx.ASPeerSet(vlan, asn, false)
	if err != nil {
		return nil, err
	}
	ownerAccept, err := tx.OwnerPeerSet(vlan, asn, true)
	if err != nil {
		return nil, err
	}
	ownerReject, err := tx.OwnerPeerSet(vlan, asn, false)
	if err != nil {
		return nil, err
	}
	isdAccept, err := tx.ISDPeerSet(vlan, asn, true)
	if err != nil {
		return nil, err
	}

	asAcc, asRej := toSet(asAccept), toSet(asReject)
	ownAcc, ownRej := toSet(ownerAccept), toSet(ownerReject)
	isdAcc := toSet(isdAccept)

	accept := asAcc.
		union(ownAcc.minus(asRej)).
		union(isdAcc.minus(ownRej, asRej))

	defaultAccept, err := tx.HasDefaultAccept(vlan, asn)
	if err != nil {
		return nil, err
	}
	if defaultAccept {
		isdReject, err := tx.ISDPeerSet(vlan, asn, false)
		if err != nil {
			return nil, err
		}
		members, err := tx.VLANMembers(vlan)
		if err != nil {
			return nil, err
		}
		all := toSet(members)
		delete(all, asn)
		accept = accept.union(all.minus(toSet(isdReject), ownRej, asRej))
	}
	return accept, nil
}

// UpdateLinks creates and deletes links of asn in the VLAN to reflect
// the peerings accepted by it and its peers. UpdateAcceptedPeers must
// have run for every AS whose policies changed.
func UpdateLinks(tx *store.Tx, vlan string, asn addr.ASN) ([]Notification, error) {
	connected, err := tx.ConnectedPeers(vlan, asn)
	if err != nil {
		return nil, err
	}
	mutual, err := tx.MutualPeers(vlan, asn)
	if err != nil {
		return nil, err
	}
	old, want := toSet(connected), toSet(mutual)

	var notifs []Notification

	for _, peer := range connected {
		if want[peer] {
			continue
		}
		links, err := tx.LinksBetween(vlan, asn, peer)
		if err != nil {
			return nil, err
		}
		for _, li := range links {
			if err := tx.DeleteLink(li.ID); err != nil {
				return nil, err
			}
			metrics.Get().RecordLink(vlan, "", false)
			notifs = append(notifs, linkNotifications(li, wire.LinkDestroy)...)
		}
	}

	for _, peer := range mutual {
		if old[peer] {
			continue
		}
		ns, err := createLinks(tx, vlan, asn, peer)
		if err != nil {
			return nil, err
		}
		notifs = append(notifs, ns...)
	}
	return notifs, nil
}

// createLinks links every interface pair of the two ASes in the VLAN.
func createLinks(tx *store.Tx, vlan string, asnA, asnB addr.ASN) ([]Notification, error) {
	a, err := tx.GetAS(asnA)
	if err != nil {
		return nil, err
	}
	b, err := tx.GetAS(asnB)
	if err != nil {
		return nil, err
	}

	var linkType wire.LinkType
	switch {
	case a.IsCore && b.IsCore:
		linkType = wire.LinkTypeCore
	case !a.IsCore && !b.IsCore:
		linkType = wire.LinkTypePeering
	case a.ISD == b.ISD:
		linkType = wire.LinkTypeProvider
		if !a.IsCore {
			a, b = b, a
		}
	default:
		// Core and non-core in different ISDs cannot link.
		log.Warn("incompatible AS types", "vlan", vlan,
			"as_a", a.ASN.String(), "as_b", b.ASN.String())
		metrics.Get().RecordAsyncError(string(wire.ErrLinkCreationFailed))
		err := &wire.AsyncError{
			Code:    wire.ErrLinkCreationFailed,
			Message: "incompatible AS types: " + a.ASN.String() + " and " + b.ASN.String(),
		}
		return []Notification{
			{ASN: a.ASN, Error: err},
			{ASN: b.ASN, Error: err},
		}, nil
	}

	ifacesA, err := tx.Interfaces(a.ASN, vlan)
	if err != nil {
		return nil, err
	}
	ifacesB, err := tx.Interfaces(b.ASN, vlan)
	if err != nil {
		return nil, err
	}

	var notifs []Notification
	for i := range ifacesA {
		ifaceA := &ifacesA[i]
		for j := range ifacesB {
			ifaceB := &ifacesB[j]

			portA, err := alloc.UnusedPort(tx, ifaceA)
			if err != nil {
				if n, ok := exhaustionNotification(err, ifaceA); ok {
					notifs = append(notifs, n)
					// No pair with this interface can succeed.
					break
				}
				return nil, err
			}
			portB, err := alloc.UnusedPort(tx, ifaceB)
			if err != nil {
				if n, ok := exhaustionNotification(err, ifaceB); ok {
					notifs = append(notifs, n)
					// Other interfaces of B may still have ports.
					continue
				}
				return nil, err
			}

			id, err := tx.CreateLink(store.Link{
				Type:       linkType,
				InterfaceA: ifaceA.ID,
				InterfaceB: ifaceB.ID,
				PortA:      portA,
				PortB:      portB,
			})
			if err != nil {
				return nil, err
			}
			metrics.Get().RecordLink(vlan, string(linkType), true)
			li := store.LinkInfo{
				Link: store.Link{
					ID: id, Type: linkType,
					InterfaceA: ifaceA.ID, InterfaceB: ifaceB.ID,
					PortA: portA, PortB: portB,
				},
				A: *ifaceA,
				B: *ifaceB,
			}
			notifs = append(notifs, linkNotifications(li, wire.LinkCreate)...)
		}
	}
	return notifs, nil
}

func exhaustionNotification(err error, iface *store.Interface) (Notification, bool) {
	if !errors.Is(err, alloc.ErrNoUnusedPorts) {
		return Notification{}, false
	}
	log.Warn("port range exhausted", "vlan", iface.VLAN, "ip", iface.PublicIP,
		"asn", iface.ASN.String())
	metrics.Get().RecordAsyncError(string(wire.ErrLinkCreationFailed))
	return Notification{
		ASN: iface.ASN,
		Error: &wire.AsyncError{
			Code:    wire.ErrLinkCreationFailed,
			Message: "no unused ports on " + iface.VLAN + "/" + iface.PublicIP,
		},
	}, true
}

// DestroyInterfaceLinks deletes every link on the interface and
// returns the DESTROY notifications. Used when an interface's port
// range shrinks.
func DestroyInterfaceLinks(tx *store.Tx, ifaceID int64) ([]Notification, error) {
	links, err := tx.LinksOnInterface(ifaceID)
	if err != nil {
		return nil, err
	}
	var notifs []Notification
	for _, li := range links {
		if err := tx.DeleteLink(li.ID); err != nil {
			return nil, err
		}
		metrics.Get().RecordLink(li.A.VLAN, "", false)
		notifs = append(notifs, linkNotifications(li, wire.LinkDestroy)...)
	}
	return notifs, nil
}

// linkNotifications builds the two per-AS messages for one link, each
// oriented so that the recipient's interface is the local endpoint.
func linkNotifications(li store.LinkInfo, typ wire.LinkUpdateType) []Notification {
	return []Notification{
		{
			ASN: li.A.ASN,
			LinkUpdate: &wire.LinkUpdate{
				Type:     typ,
				LinkType: li.Type,
				PeerASN:  li.B.ASN.String(),
				Local:    wire.Endpoint{IP: li.A.PublicIP, Port: li.PortA},
				Remote:   wire.Endpoint{IP: li.B.PublicIP, Port: li.PortB},
			},
		},
		{
			ASN: li.B.ASN,
			LinkUpdate: &wire.LinkUpdate{
				Type:     typ,
				LinkType: li.Type,
				PeerASN:  li.A.ASN.String(),
				Local:    wire.Endpoint{IP: li.B.PublicIP, Port: li.PortB},
				Remote:   wire.Endpoint{IP: li.A.PublicIP, Port: li.PortA},
			},
		},
	}
}
