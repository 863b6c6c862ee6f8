package store

import (
	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/wire"
)

// Owner is an organisation that owns one or more ASes.
type Owner struct {
	Name     string
	LongName string
}

// ISD is a SCION isolation domain.
type ISD struct {
	ID    int
	Label string
}

// AS is an autonomous system attached to the IXP.
type AS struct {
	ASN    addr.ASN
	ISD    int
	Owner  string
	IsCore bool
}

// VLAN is a peering fabric with its layer-2 subnet.
type VLAN struct {
	Name     string
	LongName string
	Subnet   string
}

// Client is a peering client of an AS, identified by (ASN, Name).
type Client struct {
	ASN         addr.ASN
	Name        string
	SecretToken string
}

// Interface attaches a peering client to a VLAN at a public IP with a
// half-open UDP port range [FirstPort, LastPort).
type Interface struct {
	ID        int64
	ASN       addr.ASN
	Client    string
	VLAN      string
	PublicIP  string
	FirstPort uint32
	LastPort  uint32
}

// Link is a materialised SCION link between two interfaces.
type Link struct {
	ID         int64
	Type       wire.LinkType
	InterfaceA int64
	InterfaceB int64
	PortA      uint32
	PortB      uint32
}

// LinkInfo is a link joined with both of its interfaces.
type LinkInfo struct {
	Link
	A Interface
	B Interface
}

// Policy is one stored peering policy. Kind selects which peer field
// is meaningful.
type Policy struct {
	VLAN      string
	ASN       addr.ASN
	Kind      wire.PolicyKind
	PeerASN   addr.ASN // Kind == AS
	PeerOwner string   // Kind == OWNER
	PeerISD   int      // Kind == ISD
	Accept    bool
}

// PolicyFilter narrows ListPolicies. Zero values match everything;
// Kind restricts to one variant and enables the matching peer filter.
type PolicyFilter struct {
	VLAN      string
	ASN       *addr.ASN
	Accept    *bool
	Kind      wire.PolicyKind
	PeerASN   *addr.ASN
	PeerOwner string
	PeerISD   *int
}
