// Package wire defines the JSON messages exchanged between the
// coordinator and its peering clients, together with the status codes
// carried on RPC errors.
package wire

// PolicyKind names the four policy variants. The variant of a Policy
// message is determined by which peer field is set.
type PolicyKind string

const (
	PolicyDefault PolicyKind = "DEFAULT"
	PolicyAS      PolicyKind = "AS"
	PolicyOwner   PolicyKind = "OWNER"
	PolicyISD     PolicyKind = "ISD"
)

// Policy is one peering policy of an AS on a VLAN. Exactly one of the
// peer fields selects the variant: PeerEveryone for a default policy,
// PeerASN / PeerOwner / PeerISD for the targeted variants.
type Policy struct {
	VLAN   string `json:"vlan"`
	ASN    string `json:"asn"`
	Accept bool   `json:"accept"`

	PeerEveryone bool    `json:"peer_everyone,omitempty"`
	PeerASN      *string `json:"peer_asn,omitempty"`
	PeerOwner    *string `json:"peer_owner,omitempty"`
	PeerISD      *string `json:"peer_isd,omitempty"`
}

// Kind reports the policy variant, or "" if no peer field is set or
// more than one is.
func (p *Policy) Kind() PolicyKind {
	var kind PolicyKind
	n := 0
	if p.PeerEveryone {
		kind, n = PolicyDefault, n+1
	}
	if p.PeerASN != nil {
		kind, n = PolicyAS, n+1
	}
	if p.PeerOwner != nil {
		kind, n = PolicyOwner, n+1
	}
	if p.PeerISD != nil {
		kind, n = PolicyISD, n+1
	}
	if n != 1 {
		return ""
	}
	return kind
}

// ListPolicyRequest filters the policy listing. Nil / empty fields
// match everything.
type ListPolicyRequest struct {
	VLAN   string `json:"vlan,omitempty"`
	ASN    string `json:"asn,omitempty"`
	Accept *bool  `json:"accept,omitempty"`

	PeerEveryone bool    `json:"peer_everyone,omitempty"`
	PeerASN      *string `json:"peer_asn,omitempty"`
	PeerOwner    *string `json:"peer_owner,omitempty"`
	PeerISD      *string `json:"peer_isd,omitempty"`
}

// SetPoliciesRequest replaces the caller's policies, optionally
// restricted to one VLAN.
type SetPoliciesRequest struct {
	Policies        []Policy `json:"policies"`
	VLAN            string   `json:"vlan,omitempty"`
	ContinueOnError bool     `json:"continue_on_error,omitempty"`
}

// SetPoliciesResponse lists the policies that were rejected and the
// matching error strings, index for index.
type SetPoliciesResponse struct {
	RejectedPolicies []Policy `json:"rejected_policies,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// PortRange sets the UDP port range of the interface identified by
// (InterfaceVLAN, InterfaceIP). Last is exclusive.
type PortRange struct {
	InterfaceVLAN string `json:"interface_vlan"`
	InterfaceIP   string `json:"interface_ip"`
	FirstPort     uint32 `json:"first_port"`
	LastPort      uint32 `json:"last_port"`
}

// ArbitrationStatus is the outcome of an arbitration round as seen by
// one client.
type ArbitrationStatus string

const (
	StatusPrimary    ArbitrationStatus = "PRIMARY"
	StatusNotPrimary ArbitrationStatus = "NOT_PRIMARY"
	StatusError      ArbitrationStatus = "ERROR"
)

// ArbitrationUpdate is sent by a client to bid for the primary role
// and by the server to announce the outcome. A client leaves Status
// empty; the server fills it. An empty VLAN in a client message means
// every VLAN the client has an interface on.
type ArbitrationUpdate struct {
	VLAN       string            `json:"vlan,omitempty"`
	ElectionID int64             `json:"election_id"`
	Status     ArbitrationStatus `json:"status,omitempty"`
}

// LinkUpdateType says whether a link appeared or disappeared.
type LinkUpdateType string

const (
	LinkCreate  LinkUpdateType = "CREATE"
	LinkDestroy LinkUpdateType = "DESTROY"
)

// LinkType classifies the SCION relationship a link carries.
type LinkType string

const (
	LinkTypeCore     LinkType = "CORE"
	LinkTypePeering  LinkType = "PEERING"
	LinkTypeProvider LinkType = "PROVIDER"
)

// Endpoint is one side of a link's UDP endpoint pair.
type Endpoint struct {
	IP   string `json:"ip"`
	Port uint32 `json:"port"`
}

// LinkUpdate tells a client that a link involving one of its
// interfaces was created or destroyed. Local is always the endpoint
// on the receiving client's side.
type LinkUpdate struct {
	Type     LinkUpdateType `json:"type"`
	LinkType LinkType       `json:"link_type"`
	PeerASN  string         `json:"peer_asn"`
	Local    Endpoint       `json:"local"`
	Remote   Endpoint       `json:"remote"`
}

// AsyncErrorCode identifies an error delivered over the stream.
type AsyncErrorCode string

const (
	ErrLinkCreationFailed AsyncErrorCode = "LINK_CREATION_FAILED"
)

// AsyncError reports a failure that arose after the triggering RPC
// already returned, e.g. while materialising links.
type AsyncError struct {
	Code    AsyncErrorCode `json:"code"`
	Message string         `json:"message"`
}

// StreamRequest is the client-to-server half of the stream channel.
type StreamRequest struct {
	Arbitration *ArbitrationUpdate `json:"arbitration,omitempty"`
}

// StreamResponse is the server-to-client half of the stream channel.
// Exactly one field is set.
type StreamResponse struct {
	Arbitration *ArbitrationUpdate `json:"arbitration,omitempty"`
	LinkUpdate  *LinkUpdate        `json:"link_update,omitempty"`
	Error       *AsyncError        `json:"error,omitempty"`
}

// Owner is the informational-service view of an owner and its ASes.
type Owner struct {
	Name     string   `json:"name"`
	LongName string   `json:"long_name"`
	ASNs     []string `json:"asns"`
}

// GetOwnerRequest selects an owner by name, ASN, or both.
type GetOwnerRequest struct {
	Name string `json:"name,omitempty"`
	ASN  string `json:"asn,omitempty"`
}

// SearchOwnerRequest matches owners whose long name contains the
// substring, case-insensitively.
type SearchOwnerRequest struct {
	LongName string `json:"long_name"`
}
