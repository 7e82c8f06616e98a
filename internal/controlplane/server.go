package controlplane

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"fleetd/internal/ferr"
	"fleetd/internal/reconcile"
	"fleetd/internal/snapshot"
	"fleetd/internal/store"
)

// requestsPerSecond is spec §4.12's "~10 requests/second per peer,
// token-bucket."
const requestsPerSecond = 10

// alpnProtocol is the QUIC ALPN identifier peers negotiate on, mirrored
// on both server and client sides.
const alpnProtocol = "fleetd-controlplane-v1"

// Server hosts the node control plane: one QUIC+mTLS endpoint, dispatch
// to reconcile (K) and read-only projections of B/E/F.
type Server struct {
	NodeID              string
	Root                *store.Root
	Snapshots           *snapshot.Engine
	Reconciler          *reconcile.Reconciler
	TLSConfig           *tls.Config
	TrustedKeys         TrustedKeys
	Production          bool
	AttestationProvider string
	ReconcileInterval   time.Duration
	Logger              *log.Logger

	limiters *peerLimiters
	listener *quic.Listener

	mu           sync.Mutex
	lastAccepted *reconcile.DesiredState

	closing atomic.Bool
	wg      sync.WaitGroup
}

// ListenAndServe binds addr and serves connections until ctx is
// canceled or Shutdown is called. It blocks.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if s.Production && (s.TLSConfig == nil || len(s.TLSConfig.Certificates) == 0) {
		return ferr.New(ferr.ConfigInvalid, "ListenAndServe", "production mode requires TLS credentials")
	}
	s.limiters = newPeerLimiters(requestsPerSecond)

	tlsConf := s.TLSConfig.Clone()
	tlsConf.NextProtos = []string{alpnProtocol}
	tlsConf.ClientAuth = tls.RequireAndVerifyClientCert

	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{MaxIdleTimeout: 60 * time.Second})
	if err != nil {
		return ferr.Wrap(ferr.Network, "ListenAndServe", err)
	}
	s.listener = listener
	s.logf("control plane listening on %s", addr)

	if s.ReconcileInterval > 0 {
		s.wg.Add(1)
		go s.runTicker(ctx)
	}

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if s.closing.Load() || errors.Is(err, context.Canceled) {
				break
			}
			s.logf("accept error: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}

	s.wg.Wait()
	return nil
}

// Shutdown stops accepting new connections and streams, per spec's
// SIGTERM contract: finish in-flight work, never stop running
// instances, flush state, then return once everything has drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) runTicker(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.closing.Load() {
				return
			}
			s.mu.Lock()
			state := s.lastAccepted
			s.mu.Unlock()
			if state == nil {
				continue
			}
			report, err := s.Reconciler.Reconcile(ctx, *state, store.ActorReconcile)
			if err != nil {
				s.logf("periodic reconcile failed: %v", err)
				continue
			}
			if len(report.Errors) > 0 {
				s.logf("periodic reconcile: %d created %d started %d errors", report.Created, report.Started, len(report.Errors))
			}
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	defer s.wg.Done()
	peer := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if s.closing.Load() {
			stream.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleStream(ctx, stream, peer)
	}
}

func (s *Server) handleStream(ctx context.Context, stream quic.Stream, peer string) {
	defer s.wg.Done()
	defer stream.Close()

	if !s.limiters.Allow(peer) {
		WriteFrame(stream, errorResponse(string(ferr.QuotaExceeded), "rate limit exceeded", ""))
		return
	}

	var req Request
	if err := ReadFrame(stream, &req); err != nil {
		if !errors.Is(err, io.EOF) {
			WriteFrame(stream, errorResponse(string(ferr.ConfigInvalid), "malformed request", err.Error()))
		}
		return
	}

	resp := s.dispatch(ctx, req)
	WriteFrame(stream, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Kind {
	case KindReconcile:
		if s.Production {
			return errorResponse(string(ferr.Auth), "unsigned Reconcile rejected", "PRODUCTION=1 requires ReconcileSigned")
		}
		if req.Reconcile == nil {
			return errorResponse(string(ferr.ConfigInvalid), "missing reconcile payload", "")
		}
		return s.doReconcile(ctx, *req.Reconcile)

	case KindReconcileSigned:
		if req.ReconcileSigned == nil {
			return errorResponse(string(ferr.ConfigInvalid), "missing reconcile_signed payload", "")
		}
		if err := VerifySigned(s.TrustedKeys, *req.ReconcileSigned); err != nil {
			return errorResponse(string(ferr.KindOf(err)), err.Error(), "")
		}
		return s.doReconcile(ctx, req.ReconcileSigned.State)

	case KindNodeInfo:
		return Response{NodeInfo: ptr(buildNodeInfo(s.NodeID, s.AttestationProvider))}

	case KindNodeStats:
		stats, err := buildNodeStats(s.Root, s.Snapshots)
		if err != nil {
			return errorResponse(string(ferr.KindOf(err)), err.Error(), "")
		}
		return Response{NodeStats: &stats}

	case KindTenantList:
		list, err := buildTenantList(s.Root)
		if err != nil {
			return errorResponse(string(ferr.KindOf(err)), err.Error(), "")
		}
		return Response{TenantList: list}

	case KindInstanceList:
		if req.InstanceList == nil || req.InstanceList.TenantID == "" {
			return errorResponse(string(ferr.ConfigInvalid), "missing instance_list.tenant_id", "")
		}
		list, err := buildInstanceList(s.Root, req.InstanceList.TenantID, req.InstanceList.PoolID)
		if err != nil {
			return errorResponse(string(ferr.KindOf(err)), err.Error(), "")
		}
		return Response{InstanceList: list}

	case KindWakeInstance:
		if req.WakeInstance == nil {
			return errorResponse(string(ferr.ConfigInvalid), "missing wake_instance payload", "")
		}
		w := req.WakeInstance
		if err := s.Reconciler.Lifecycle.Wake(ctx, w.TenantID, w.PoolID, w.InstanceID, store.ActorWakeOnDemand); err != nil {
			return errorResponse(string(ferr.KindOf(err)), err.Error(), "")
		}
		return Response{Acknowledged: true}

	default:
		return errorResponse(string(ferr.ConfigInvalid), "unknown request kind", string(req.Kind))
	}
}

func (s *Server) doReconcile(ctx context.Context, state reconcile.DesiredState) Response {
	if err := reconcile.Validate(state); err != nil {
		return errorResponse(string(ferr.KindOf(err)), err.Error(), "")
	}
	report, err := s.Reconciler.Reconcile(ctx, state, store.ActorReconcile)
	if err != nil {
		return errorResponse(string(ferr.KindOf(err)), err.Error(), "")
	}
	s.mu.Lock()
	s.lastAccepted = &state
	s.mu.Unlock()
	return Response{ReconcileReport: &report}
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func ptr[T any](v T) *T { return &v }
