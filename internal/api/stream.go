package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/peerd/internal/clock"
	"grimm.is/peerd/internal/metrics"
	"grimm.is/peerd/internal/registry"
	"grimm.is/peerd/internal/store"
	"grimm.is/peerd/internal/wire"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is consumed by daemons, not browsers; origin checks
	// do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream is the client stream endpoint. It registers the
// connection, replays the client's current links and then shuttles
// messages between the websocket and the connection's command queue
// until either side goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)

	conn, err := s.registry.Connect(r.Context(), caller.ASN, caller.Client)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.replayLinks(r, conn); err != nil {
		s.registry.Disconnect(conn)
		writeError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Disconnect(conn)
		return
	}

	// Reader: websocket in, command queue out.
	go func() {
		for {
			var req wire.StreamRequest
			if err := ws.ReadJSON(&req); err != nil {
				conn.Exit()
				return
			}
			if !conn.EnqueueRequest(&req) {
				return
			}
		}
	}()

	s.writeLoop(r, ws, conn)

	s.registry.Disconnect(conn)
	ws.Close()
}

// replayLinks queues a CREATE update for every existing link of the
// client so a reconnecting client can rebuild its state. The updates
// sit in the queue until the writer drains them.
func (s *Server) replayLinks(r *http.Request, conn *registry.ClientConn) error {
	return s.store.ReadTx(r.Context(), func(tx *store.Tx) error {
		links, err := tx.ClientLinks(conn.ASN, conn.Name)
		if err != nil {
			return err
		}
		for _, li := range links {
			local, remote := li.A, li.B
			localPort, remotePort := li.PortA, li.PortB
			if li.B.ASN == conn.ASN && li.B.Client == conn.Name {
				local, remote = li.B, li.A
				localPort, remotePort = li.PortB, li.PortA
			}
			conn.EnqueueResponse(&wire.StreamResponse{
				LinkUpdate: &wire.LinkUpdate{
					Type:     wire.LinkCreate,
					LinkType: li.Type,
					PeerASN:  remote.ASN.String(),
					Local:    wire.Endpoint{IP: local.PublicIP, Port: localPort},
					Remote:   wire.Endpoint{IP: remote.PublicIP, Port: remotePort},
				},
			})
		}
		return nil
	})
}

// writeLoop drains the command queue: requests go to the registry,
// responses go down the websocket.
func (s *Server) writeLoop(r *http.Request, ws *websocket.Conn, conn *registry.ClientConn) {
	for cmd := range conn.Commands() {
		switch cmd.Kind {
		case registry.CmdExit:
			return
		case registry.CmdProcessRequest:
			if cmd.Request.Arbitration != nil {
				metrics.Get().ArbitrationRounds.
					WithLabelValues(cmd.Request.Arbitration.VLAN).Inc()
				s.registry.Arbitrate(r.Context(), conn, cmd.Request.Arbitration)
			}
		case registry.CmdSendResponse:
			ws.SetWriteDeadline(clock.Now().Add(writeTimeout))
			if err := ws.WriteJSON(cmd.Response); err != nil {
				return
			}
			metrics.Get().StreamMessagesSent.
				WithLabelValues(responseType(cmd.Response)).Inc()
		}
	}
}

func responseType(resp *wire.StreamResponse) string {
	switch {
	case resp.Arbitration != nil:
		return "arbitration"
	case resp.LinkUpdate != nil:
		return "link_update"
	case resp.Error != nil:
		return "error"
	default:
		return "unknown"
	}
}
