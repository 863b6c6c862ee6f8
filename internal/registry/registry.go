// Package registry tracks the live client streams of every AS and
// arbitrates which client is the primary per VLAN.
package registry

import (
	"context"
	"sync"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/logging"
	"grimm.is/peerd/internal/wire"
)

// Directory answers topology questions the registry cannot answer
// itself. Implemented by the store; faked in tests.
type Directory interface {
	// ClientVLANs returns the VLANs the client has an interface on.
	// Returns an error if the client does not exist.
	ClientVLANs(ctx context.Context, asn addr.ASN, client string) ([]string, error)
}

// Registry is the process-wide connection table, keyed by ASN.
type Registry struct {
	mu   sync.Mutex
	ases map[addr.ASN]*asConns
	dir  Directory
	log  *logging.Logger

	// OnConnsChanged, if set, is called with the total connection
	// count after every connect or disconnect.
	OnConnsChanged func(total int)
}

// asConns holds all registry state of one AS. Its mutex guards
// connections, elections and primary together.
type asConns struct {
	mu          sync.Mutex
	connections map[string]*ClientConn
	elections   map[string]map[string]int64 // vlan -> client -> election id
	primary     map[string]string           // vlan -> client
}

// New creates an empty registry backed by the given directory.
func New(dir Directory) *Registry {
	return &Registry{
		ases: make(map[addr.ASN]*asConns),
		dir:  dir,
		log:  logging.WithComponent("registry"),
	}
}

func (r *Registry) forAS(asn addr.ASN) *asConns {
	r.mu.Lock()
	defer r.mu.Unlock()
	ac, ok := r.ases[asn]
	if !ok {
		ac = &asConns{
			connections: make(map[string]*ClientConn),
			elections:   make(map[string]map[string]int64),
			primary:     make(map[string]string),
		}
		r.ases[asn] = ac
	}
	return ac
}

func (r *Registry) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, ac := range r.ases {
		ac.mu.Lock()
		total += len(ac.connections)
		ac.mu.Unlock()
	}
	return total
}

func (r *Registry) notifyConnsChanged() {
	if r.OnConnsChanged != nil {
		r.OnConnsChanged(r.connCount())
	}
}

// Connect registers a new client stream. Fails with NOT_FOUND if the
// client is not in the database and ALREADY_EXISTS if the client
// already has a live stream.
func (r *Registry) Connect(ctx context.Context, asn addr.ASN, client string) (*ClientConn, error) {
	if _, err := r.dir.ClientVLANs(ctx, asn, client); err != nil {
		return nil, wire.Errorf(wire.CodeNotFound, "unknown client %s of AS %s", client, asn)
	}

	ac := r.forAS(asn)
	ac.mu.Lock()

	if _, ok := ac.connections[client]; ok {
		ac.mu.Unlock()
		return nil, wire.Errorf(wire.CodeAlreadyExists,
			"client %s of AS %s is already connected", client, asn)
	}

	conn := newClientConn(asn, client)
	ac.connections[client] = conn
	ac.mu.Unlock()
	r.log.Info("client connected", "asn", asn.String(), "client", client, "stream", conn.ID)
	r.notifyConnsChanged()
	return conn, nil
}

// Disconnect removes the connection and re-arbitrates every VLAN whose
// primary was this client. Idempotent.
func (r *Registry) Disconnect(conn *ClientConn) {
	ac := r.forAS(conn.ASN)
	ac.mu.Lock()

	if ac.connections[conn.Name] != conn {
		ac.mu.Unlock()
		return
	}
	delete(ac.connections, conn.Name)
	conn.close()
	r.log.Info("client disconnected", "asn", conn.ASN.String(), "client", conn.Name, "stream", conn.ID)

	for vlan, votes := range ac.elections {
		if _, ok := votes[conn.Name]; !ok {
			continue
		}
		delete(votes, conn.Name)
		if len(votes) == 0 {
			delete(ac.elections, vlan)
			delete(ac.primary, vlan)
			continue
		}
		if ac.primary[vlan] == conn.Name {
			ac.arbitrateLocked(vlan)
		}
	}
	ac.mu.Unlock()
	r.notifyConnsChanged()
}

// Arbitrate records an election bid from a client and announces the
// outcome to every client in the election. With an empty VLAN the bid
// applies to every VLAN the client has an interface on. An invalid
// request earns the requester an ERROR update.
func (r *Registry) Arbitrate(ctx context.Context, conn *ClientConn, upd *wire.ArbitrationUpdate) {
	vlans, err := r.dir.ClientVLANs(ctx, conn.ASN, conn.Name)
	if err != nil {
		r.sendError(conn, upd)
		return
	}
	if upd.VLAN != "" {
		found := false
		for _, v := range vlans {
			if v == upd.VLAN {
				found = true
				break
			}
		}
		if !found {
			r.sendError(conn, upd)
			return
		}
		vlans = []string{upd.VLAN}
	}
	if len(vlans) == 0 {
		r.sendError(conn, upd)
		return
	}

	ac := r.forAS(conn.ASN)
	ac.mu.Lock()
	defer ac.mu.Unlock()

	for _, vlan := range vlans {
		votes, ok := ac.elections[vlan]
		if !ok {
			votes = make(map[string]int64)
			ac.elections[vlan] = votes
		}
		votes[conn.Name] = upd.ElectionID
		ac.arbitrateLocked(vlan)
	}
}

func (r *Registry) sendError(conn *ClientConn, upd *wire.ArbitrationUpdate) {
	conn.EnqueueResponse(&wire.StreamResponse{
		Arbitration: &wire.ArbitrationUpdate{
			VLAN:       upd.VLAN,
			ElectionID: upd.ElectionID,
			Status:     wire.StatusError,
		},
	})
}

// arbitrateLocked recomputes the primary for one VLAN and sends one
// update to every client in the election, echoing each client's own
// election id back. Ties on the election id go to the lexicographically
// greatest client name, which keeps the outcome deterministic. Caller
// holds ac.mu.
func (ac *asConns) arbitrateLocked(vlan string) {
	votes := ac.elections[vlan]
	var best string
	var bestID int64
	for client, id := range votes {
		if best == "" || id > bestID || (id == bestID && client > best) {
			best, bestID = client, id
		}
	}
	ac.primary[vlan] = best

	for client, id := range votes {
		conn, ok := ac.connections[client]
		if !ok {
			continue
		}
		status := wire.StatusNotPrimary
		if client == best {
			status = wire.StatusPrimary
		}
		conn.EnqueueResponse(&wire.StreamResponse{
			Arbitration: &wire.ArbitrationUpdate{
				VLAN:       vlan,
				ElectionID: id,
				Status:     status,
			},
		})
	}
}

// IsPrimary reports whether the client is the current primary of its
// AS on the VLAN.
func (r *Registry) IsPrimary(asn addr.ASN, client, vlan string) bool {
	ac := r.forAS(asn)
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.primary[vlan] == client
}

// IsPrimaryAll reports whether the client is primary on every VLAN the
// AS holds an election for. Vacuously true when there are no elections.
func (r *Registry) IsPrimaryAll(asn addr.ASN, client string) bool {
	ac := r.forAS(asn)
	ac.mu.Lock()
	defer ac.mu.Unlock()
	for _, p := range ac.primary {
		if p != client {
			return false
		}
	}
	return true
}

// Send enqueues a stream response to every live connection of the AS.
// Non-blocking; a connection whose queue overflows is closed.
func (r *Registry) Send(asn addr.ASN, resp *wire.StreamResponse) {
	ac := r.forAS(asn)
	ac.mu.Lock()
	defer ac.mu.Unlock()
	for _, conn := range ac.connections {
		conn.EnqueueResponse(resp)
	}
}

// SendLinkUpdate fans a link update out to every client of the AS.
func (r *Registry) SendLinkUpdate(asn addr.ASN, lu *wire.LinkUpdate) {
	r.Send(asn, &wire.StreamResponse{LinkUpdate: lu})
}

// SendAsyncError fans an async error out to every client of the AS.
func (r *Registry) SendAsyncError(asn addr.ASN, ae *wire.AsyncError) {
	r.Send(asn, &wire.StreamResponse{Error: ae})
}
