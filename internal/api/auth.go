package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/metrics"
	"grimm.is/peerd/internal/store"
	"grimm.is/peerd/internal/wire"
)

// Request headers carrying the client credentials.
const (
	HeaderASN    = "Peerd-ASN"
	HeaderClient = "Peerd-Client"
	HeaderToken  = "Peerd-Token"
)

type callerKey struct{}

// Caller identifies the authenticated peering client of a request.
type Caller struct {
	ASN    addr.ASN
	Client string
}

// callerFrom returns the caller the auth middleware attached.
func callerFrom(r *http.Request) Caller {
	c, _ := r.Context().Value(callerKey{}).(Caller)
	return c
}

// authenticated checks the credential headers against the client table
// and rejects the request with UNAUTHENTICATED if they do not match.
// Sources with too many recent failures are blocked outright.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if s.authLimiter.Blocked(ip) {
			metrics.Get().AuthFailed.Inc()
			writeError(w, wire.Errorf(wire.CodeUnauthenticated, "too many failed attempts"))
			return
		}
		caller, err := s.authenticate(r)
		if err != nil {
			s.authLimiter.Record(ip)
			metrics.Get().AuthFailed.Inc()
			writeError(w, err)
			return
		}
		s.authLimiter.Reset(ip)
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP extracts the source IP, honouring X-Forwarded-For when a
// proxy sits in front of the coordinator.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (s *Server) authenticate(r *http.Request) (Caller, error) {
	rawASN := r.Header.Get(HeaderASN)
	name := r.Header.Get(HeaderClient)
	token := r.Header.Get(HeaderToken)
	if rawASN == "" || name == "" || token == "" {
		return Caller{}, wire.Errorf(wire.CodeUnauthenticated, "missing credentials")
	}

	asn, err := addr.ParseASN(rawASN)
	if err != nil {
		return Caller{}, wire.Errorf(wire.CodeUnauthenticated, "invalid credentials")
	}

	var client *store.Client
	err = s.store.ReadTx(r.Context(), func(tx *store.Tx) error {
		client, err = tx.GetClient(asn, name)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return Caller{}, wire.Errorf(wire.CodeUnauthenticated, "invalid credentials")
	}
	if err != nil {
		return Caller{}, err
	}

	if subtle.ConstantTimeCompare([]byte(client.SecretToken), []byte(token)) != 1 {
		return Caller{}, wire.Errorf(wire.CodeUnauthenticated, "invalid credentials")
	}
	return Caller{ASN: asn, Client: name}, nil
}
