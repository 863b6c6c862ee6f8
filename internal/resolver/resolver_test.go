package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/store"
	"grimm.is/peerd/internal/wire"
)

// fixture is a small two-VLAN topology:
//
//	asys[0]  ISD 1  core      owner 1
//	asys[1]  ISD 1  non-core  owner 1
//	asys[2]  ISD 1  core      owner 2
//	asys[3]  ISD 1  non-core  owner 3
//	asys[4]  ISD 2  non-core  owner 3
//	asys[5]  ISD 2  non-core  owner 4
//
// Every AS has one client "main" with one interface on each VLAN.
type fixture struct {
	s     *store.Store
	vlan  [2]string
	owner [4]string
	asys  [6]addr.ASN
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		s:     s,
		vlan:  [2]string{"prod", "test"},
		owner: [4]string{"org1", "org2", "org3", "org4"},
	}
	for i := range f.asys {
		f.asys[i] = addr.MustParseASN(fmt.Sprintf("ff00:0:%d", i))
	}

	type asDef struct {
		isd    int
		core   bool
		ownerI int
	}
	defs := []asDef{
		{1, true, 0}, {1, false, 0}, {1, true, 1},
		{1, false, 2}, {2, false, 2}, {2, false, 3},
	}

	err = s.WriteTx(context.Background(), func(tx *store.Tx) error {
		for _, o := range f.owner {
			require.NoError(t, tx.PutOwner(store.Owner{Name: o}))
		}
		require.NoError(t, tx.PutISD(store.ISD{ID: 1}))
		require.NoError(t, tx.PutISD(store.ISD{ID: 2}))
		require.NoError(t, tx.PutVLAN(store.VLAN{Name: "prod", Subnet: "10.0.0.0/16"}))
		require.NoError(t, tx.PutVLAN(store.VLAN{Name: "test", Subnet: "10.1.0.0/16"}))

		for i, d := range defs {
			require.NoError(t, tx.PutAS(store.AS{
				ASN: f.asys[i], ISD: d.isd, Owner: f.owner[d.ownerI], IsCore: d.core}))
			require.NoError(t, tx.PutClient(store.Client{
				ASN: f.asys[i], Name: "main", SecretToken: "tok"}))
			for v, vlan := range f.vlan {
				_, err := tx.PutInterface(store.Interface{
					ASN: f.asys[i], Client: "main", VLAN: vlan,
					PublicIP:  fmt.Sprintf("10.%d.0.%d", v, i+1),
					FirstPort: 50000, LastPort: 51000,
				})
				require.NoError(t, err)
			}
		}
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) addPolicy(t *testing.T, p store.Policy) []Notification {
	t.Helper()
	var notifs []Notification
	err := f.s.WriteTx(context.Background(), func(tx *store.Tx) error {
		if err := tx.CreatePolicy(p); err != nil {
			return err
		}
		var err error
		notifs, err = Reconcile(tx, p.VLAN, p.ASN)
		return err
	})
	require.NoError(t, err)
	return notifs
}

func (f *fixture) delPolicy(t *testing.T, p store.Policy) []Notification {
	t.Helper()
	var notifs []Notification
	err := f.s.WriteTx(context.Background(), func(tx *store.Tx) error {
		if err := tx.DeletePolicy(p); err != nil {
			return err
		}
		var err error
		notifs, err = Reconcile(tx, p.VLAN, p.ASN)
		return err
	})
	require.NoError(t, err)
	return notifs
}

func (f *fixture) acceptedCount(t *testing.T, vlan string, asn addr.ASN) int {
	t.Helper()
	var n int
	err := f.s.ReadTx(context.Background(), func(tx *store.Tx) error {
		peers, err := tx.AcceptedPeers(vlan, asn)
		n = len(peers)
		return err
	})
	require.NoError(t, err)
	return n
}

// linkBetween returns the single link between a and b, or nil. Multiple
// links between the same AS pair fail the test.
func (f *fixture) linkBetween(t *testing.T, vlan string, a, b addr.ASN) *store.LinkInfo {
	t.Helper()
	var link *store.LinkInfo
	err := f.s.ReadTx(context.Background(), func(tx *store.Tx) error {
		links, err := tx.LinksBetween(vlan, a, b)
		if err != nil {
			return err
		}
		require.LessOrEqual(t, len(links), 1)
		if len(links) == 1 {
			link = &links[0]
		}
		return nil
	})
	require.NoError(t, err)
	return link
}

func (f *fixture) requireLink(t *testing.T, vlan string, typ wire.LinkType, a, b addr.ASN) {
	t.Helper()
	link := f.linkBetween(t, vlan, a, b)
	require.NotNil(t, link, "expected %s link between %s and %s", typ, a, b)
	assert.Equal(t, typ, link.Type)
}

func (f *fixture) requireNoLink(t *testing.T, vlan string, a, b addr.ASN) {
	t.Helper()
	assert.Nil(t, f.linkBetween(t, vlan, a, b))
}

func asPolicy(vlan string, asn, peer addr.ASN, accept bool) store.Policy {
	return store.Policy{VLAN: vlan, ASN: asn, Kind: wire.PolicyAS, PeerASN: peer, Accept: accept}
}

func ownerPolicy(vlan string, asn addr.ASN, owner string, accept bool) store.Policy {
	return store.Policy{VLAN: vlan, ASN: asn, Kind: wire.PolicyOwner, PeerOwner: owner, Accept: accept}
}

func isdPolicy(vlan string, asn addr.ASN, isd int, accept bool) store.Policy {
	return store.Policy{VLAN: vlan, ASN: asn, Kind: wire.PolicyISD, PeerISD: isd, Accept: accept}
}

func defaultPolicy(vlan string, asn addr.ASN, accept bool) store.Policy {
	return store.Policy{VLAN: vlan, ASN: asn, Kind: wire.PolicyDefault, Accept: accept}
}

func TestASPolicies(t *testing.T) {
	f := newFixture(t)
	vlan := f.vlan[0]

	// One-sided accept creates no link.
	allow0to2 := asPolicy(vlan, f.asys[0], f.asys[2], true)
	notifs := f.addPolicy(t, allow0to2)
	assert.Empty(t, notifs)
	assert.Equal(t, 1, f.acceptedCount(t, vlan, f.asys[0]))
	f.requireNoLink(t, vlan, f.asys[0], f.asys[2])

	// Reject contributes nothing.
	f.addPolicy(t, asPolicy(vlan, f.asys[1], f.asys[3], false))
	assert.Equal(t, 0, f.acceptedCount(t, vlan, f.asys[1]))

	// Mutual accept of two cores creates a CORE link and notifies both.
	notifs = f.addPolicy(t, asPolicy(vlan, f.asys[2], f.asys[0], true))
	f.requireLink(t, vlan, wire.LinkTypeCore, f.asys[0], f.asys[2])
	require.Len(t, notifs, 2)
	for _, n := range notifs {
		require.NotNil(t, n.LinkUpdate)
		assert.Equal(t, wire.LinkCreate, n.LinkUpdate.Type)
		assert.Equal(t, wire.LinkTypeCore, n.LinkUpdate.LinkType)
	}

	// asys[3] accepts asys[1], but asys[1] rejects: still no link.
	f.addPolicy(t, asPolicy(vlan, f.asys[3], f.asys[1], true))
	f.requireNoLink(t, vlan, f.asys[1], f.asys[3])

	// Withdrawing the accept destroys the link.
	notifs = f.delPolicy(t, allow0to2)
	f.requireNoLink(t, vlan, f.asys[0], f.asys[2])
	require.Len(t, notifs, 2)
	for _, n := range notifs {
		require.NotNil(t, n.LinkUpdate)
		assert.Equal(t, wire.LinkDestroy, n.LinkUpdate.Type)
	}
}

func TestVLANIsolation(t *testing.T) {
	f := newFixture(t)

	f.addPolicy(t, asPolicy(f.vlan[0], f.asys[0], f.asys[2], true))
	f.addPolicy(t, asPolicy(f.vlan[1], f.asys[2], f.asys[0], true))
	f.requireNoLink(t, f.vlan[0], f.asys[0], f.asys[2])
	f.requireNoLink(t, f.vlan[1], f.asys[0], f.asys[2])

	f.addPolicy(t, asPolicy(f.vlan[0], f.asys[2], f.asys[0], true))
	f.addPolicy(t, asPolicy(f.vlan[1], f.asys[0], f.asys[2], false))
	f.requireLink(t, f.vlan[0], wire.LinkTypeCore, f.asys[0], f.asys[2])
	f.requireNoLink(t, f.vlan[1], f.asys[0], f.asys[2])
}

func TestISDPolicies(t *testing.T) {
	f := newFixture(t)
	vlan := f.vlan[0]

	// Accept asys[1] -> ISD 1: asys[0], asys[2], asys[3] accepted.
	allow1toISD1 := isdPolicy(vlan, f.asys[1], 1, true)
	f.addPolicy(t, allow1toISD1)
	assert.Equal(t, 3, f.acceptedCount(t, vlan, f.asys[1]))

	f.addPolicy(t, isdPolicy(vlan, f.asys[3], 1, true))
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[3])

	f.addPolicy(t, isdPolicy(vlan, f.asys[4], 1, true))
	assert.Equal(t, 4, f.acceptedCount(t, vlan, f.asys[4]))
	f.requireNoLink(t, vlan, f.asys[1], f.asys[4])

	f.addPolicy(t, isdPolicy(vlan, f.asys[1], 2, true))
	assert.Equal(t, 5, f.acceptedCount(t, vlan, f.asys[1]))
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[4])

	f.addPolicy(t, isdPolicy(vlan, f.asys[3], 2, true))
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[3], f.asys[4])

	// AS-level reject beats ISD-level accept.
	f.addPolicy(t, asPolicy(vlan, f.asys[3], f.asys[4], false))
	assert.Equal(t, 4, f.acceptedCount(t, vlan, f.asys[3]))
	f.requireNoLink(t, vlan, f.asys[3], f.asys[4])
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[3])

	f.delPolicy(t, allow1toISD1)
	assert.Equal(t, 2, f.acceptedCount(t, vlan, f.asys[1]))
	f.requireNoLink(t, vlan, f.asys[1], f.asys[3])
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[4])

	f.addPolicy(t, isdPolicy(vlan, f.asys[1], 1, false))
	assert.Equal(t, 2, f.acceptedCount(t, vlan, f.asys[1]))

	// AS-level accept beats ISD-level reject.
	f.addPolicy(t, asPolicy(vlan, f.asys[1], f.asys[3], true))
	assert.Equal(t, 3, f.acceptedCount(t, vlan, f.asys[1]))
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[3])
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[4])
}

func TestPolicyPriority(t *testing.T) {
	f := newFixture(t)
	vlan := f.vlan[0]

	f.addPolicy(t, asPolicy(vlan, f.asys[4], f.asys[1], true))
	f.addPolicy(t, asPolicy(vlan, f.asys[5], f.asys[1], true))

	// ISD accept links to both ISD-2 ASes.
	f.addPolicy(t, isdPolicy(vlan, f.asys[1], 2, true))
	assert.Equal(t, 2, f.acceptedCount(t, vlan, f.asys[1]))
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[4])
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[5])

	// Owner reject beats ISD accept.
	f.addPolicy(t, ownerPolicy(vlan, f.asys[1], f.owner[2], false))
	assert.Equal(t, 1, f.acceptedCount(t, vlan, f.asys[1]))
	f.requireNoLink(t, vlan, f.asys[1], f.asys[4])
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[5])

	// AS reject beats everything.
	f.addPolicy(t, asPolicy(vlan, f.asys[1], f.asys[5], false))
	assert.Equal(t, 0, f.acceptedCount(t, vlan, f.asys[1]))
	f.requireNoLink(t, vlan, f.asys[1], f.asys[5])
}

func TestDefaultPolicy(t *testing.T) {
	f := newFixture(t)
	vlan := f.vlan[0]

	// Default accept takes in every other VLAN member.
	f.addPolicy(t, defaultPolicy(vlan, f.asys[1], true))
	assert.Equal(t, 5, f.acceptedCount(t, vlan, f.asys[1]))

	// ISD reject carves an exception out of the default.
	f.addPolicy(t, isdPolicy(vlan, f.asys[1], 2, false))
	assert.Equal(t, 3, f.acceptedCount(t, vlan, f.asys[1]))

	// AS accept overrides the ISD reject again.
	f.addPolicy(t, asPolicy(vlan, f.asys[1], f.asys[4], true))
	assert.Equal(t, 4, f.acceptedCount(t, vlan, f.asys[1]))

	f.addPolicy(t, defaultPolicy(vlan, f.asys[3], true))
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[3])
}

func TestProviderLinkOrientation(t *testing.T) {
	f := newFixture(t)
	vlan := f.vlan[0]

	// Core asys[0] and non-core asys[1], same ISD: PROVIDER with the
	// core AS on the A side.
	f.addPolicy(t, asPolicy(vlan, f.asys[0], f.asys[1], true))
	notifs := f.addPolicy(t, asPolicy(vlan, f.asys[1], f.asys[0], true))

	link := f.linkBetween(t, vlan, f.asys[0], f.asys[1])
	require.NotNil(t, link)
	assert.Equal(t, wire.LinkTypeProvider, link.Type)
	assert.Equal(t, f.asys[0], link.A.ASN)
	assert.Equal(t, f.asys[1], link.B.ASN)

	// Each side sees its own interface as local.
	require.Len(t, notifs, 2)
	for _, n := range notifs {
		require.NotNil(t, n.LinkUpdate)
		switch n.ASN {
		case f.asys[0]:
			assert.Equal(t, f.asys[1].String(), n.LinkUpdate.PeerASN)
			assert.Equal(t, "10.0.0.1", n.LinkUpdate.Local.IP)
			assert.Equal(t, "10.0.0.2", n.LinkUpdate.Remote.IP)
		case f.asys[1]:
			assert.Equal(t, f.asys[0].String(), n.LinkUpdate.PeerASN)
			assert.Equal(t, "10.0.0.2", n.LinkUpdate.Local.IP)
			assert.Equal(t, "10.0.0.1", n.LinkUpdate.Remote.IP)
		default:
			t.Fatalf("notification for unexpected AS %s", n.ASN)
		}
	}
}

func TestIncompatibleASTypes(t *testing.T) {
	f := newFixture(t)
	vlan := f.vlan[0]

	// Core asys[0] (ISD 1) and non-core asys[4] (ISD 2) cannot link.
	f.addPolicy(t, asPolicy(vlan, f.asys[0], f.asys[4], true))
	notifs := f.addPolicy(t, asPolicy(vlan, f.asys[4], f.asys[0], true))

	f.requireNoLink(t, vlan, f.asys[0], f.asys[4])
	require.Len(t, notifs, 2)
	seen := map[addr.ASN]bool{}
	for _, n := range notifs {
		require.NotNil(t, n.Error)
		assert.Equal(t, wire.ErrLinkCreationFailed, n.Error.Code)
		seen[n.ASN] = true
	}
	assert.True(t, seen[f.asys[0]])
	assert.True(t, seen[f.asys[4]])

	// The AcceptedPeer relation stays intact.
	assert.Equal(t, 1, f.acceptedCount(t, vlan, f.asys[0]))
	assert.Equal(t, 1, f.acceptedCount(t, vlan, f.asys[4]))
}

func TestPortExhaustion(t *testing.T) {
	f := newFixture(t)
	vlan := f.vlan[0]

	// Shrink asys[1]'s interface to a single port and consume it.
	err := f.s.WriteTx(context.Background(), func(tx *store.Tx) error {
		iface, err := tx.GetInterface(vlan, "10.0.0.2")
		if err != nil {
			return err
		}
		return tx.SetPortRange(iface.ID, 50000, 50001)
	})
	require.NoError(t, err)

	f.addPolicy(t, asPolicy(vlan, f.asys[1], f.asys[3], true))
	f.addPolicy(t, asPolicy(vlan, f.asys[3], f.asys[1], true))
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[3])

	// The next peering cannot allocate a port on asys[1]'s side.
	f.addPolicy(t, asPolicy(vlan, f.asys[1], f.asys[5], true))
	notifs := f.addPolicy(t, asPolicy(vlan, f.asys[5], f.asys[1], true))

	f.requireNoLink(t, vlan, f.asys[1], f.asys[5])
	require.Len(t, notifs, 1)
	require.NotNil(t, notifs[0].Error)
	assert.Equal(t, wire.ErrLinkCreationFailed, notifs[0].Error.Code)
	assert.Equal(t, f.asys[1], notifs[0].ASN)
}

func TestPortExhaustionSkipsToNextInterface(t *testing.T) {
	f := newFixture(t)
	vlan := f.vlan[0]

	// asys[3] gets a second interface on prod and its first one is
	// emptied out. Link creation must skip the exhausted pair and
	// still link through the healthy interface.
	err := f.s.WriteTx(context.Background(), func(tx *store.Tx) error {
		iface, err := tx.GetInterface(vlan, "10.0.0.4")
		if err != nil {
			return err
		}
		if err := tx.SetPortRange(iface.ID, 50000, 50000); err != nil {
			return err
		}
		_, err = tx.PutInterface(store.Interface{
			ASN: f.asys[3], Client: "main", VLAN: vlan,
			PublicIP: "10.0.0.240", FirstPort: 50000, LastPort: 51000,
		})
		return err
	})
	require.NoError(t, err)

	f.addPolicy(t, asPolicy(vlan, f.asys[3], f.asys[1], true))
	notifs := f.addPolicy(t, asPolicy(vlan, f.asys[1], f.asys[3], true))

	link := f.linkBetween(t, vlan, f.asys[1], f.asys[3])
	require.NotNil(t, link)
	assert.Equal(t, "10.0.0.240", link.B.PublicIP)

	// One exhaustion error for the empty interface, two CREATEs for
	// the link that did come up.
	var errs, creates int
	for _, n := range notifs {
		switch {
		case n.Error != nil:
			errs++
			assert.Equal(t, wire.ErrLinkCreationFailed, n.Error.Code)
			assert.Equal(t, f.asys[3], n.ASN)
		case n.LinkUpdate != nil:
			creates++
			assert.Equal(t, wire.LinkCreate, n.LinkUpdate.Type)
		}
	}
	assert.Equal(t, 1, errs)
	assert.Equal(t, 2, creates)
}

func TestReconcileIdempotent(t *testing.T) {
	f := newFixture(t)
	vlan := f.vlan[0]

	f.addPolicy(t, asPolicy(vlan, f.asys[0], f.asys[2], true))
	f.addPolicy(t, asPolicy(vlan, f.asys[2], f.asys[0], true))
	f.requireLink(t, vlan, wire.LinkTypeCore, f.asys[0], f.asys[2])

	// Re-running reconciliation on converged state changes nothing.
	err := f.s.WriteTx(context.Background(), func(tx *store.Tx) error {
		for _, asn := range []addr.ASN{f.asys[0], f.asys[2]} {
			notifs, err := Reconcile(tx, vlan, asn)
			if err != nil {
				return err
			}
			assert.Empty(t, notifs)
		}
		return nil
	})
	require.NoError(t, err)
	f.requireLink(t, vlan, wire.LinkTypeCore, f.asys[0], f.asys[2])
}

func TestDestroyInterfaceLinks(t *testing.T) {
	f := newFixture(t)
	vlan := f.vlan[0]

	f.addPolicy(t, asPolicy(vlan, f.asys[1], f.asys[3], true))
	f.addPolicy(t, asPolicy(vlan, f.asys[3], f.asys[1], true))
	f.requireLink(t, vlan, wire.LinkTypePeering, f.asys[1], f.asys[3])

	err := f.s.WriteTx(context.Background(), func(tx *store.Tx) error {
		iface, err := tx.GetInterface(vlan, "10.0.0.2")
		if err != nil {
			return err
		}
		notifs, err := DestroyInterfaceLinks(tx, iface.ID)
		if err != nil {
			return err
		}
		require.Len(t, notifs, 2)
		for _, n := range notifs {
			require.NotNil(t, n.LinkUpdate)
			assert.Equal(t, wire.LinkDestroy, n.LinkUpdate.Type)
		}
		return nil
	})
	require.NoError(t, err)
	f.requireNoLink(t, vlan, f.asys[1], f.asys[3])
}
