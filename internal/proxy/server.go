package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"fleetd/internal/controlplane"
)

// Server hosts the coordinator proxy: one accept loop per listen
// address, one wake manager per (tenant, pool), a health loop, and
// connection-cap enforcement, per spec §4.13.
type Server struct {
	Config    Config
	TLSConfig *tls.Config // client cert used to authenticate to agents
	Logger    *log.Logger

	client *controlplane.Client
	wakes  *wakeManager
	routes map[string]ResolvedRoute

	listeners []net.Listener
	wg        sync.WaitGroup
}

// Serve binds every configured route's listen address and runs until
// ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	s.client = controlplane.NewClient(s.TLSConfig)
	s.wakes = newWakeManager(s.client)
	s.routes = BuildRouteTable(s.Config)

	for listenAddr, route := range s.routes {
		ln, err := net.Listen("tcp", listenAddr)
		if err != nil {
			s.shutdownListeners()
			return err
		}
		s.listeners = append(s.listeners, ln)
		s.logf("proxy listening on %s -> %s/%s via %s", listenAddr, route.TenantID, route.PoolID, route.NodeName)

		s.wg.Add(1)
		go s.acceptLoop(ctx, ln, route)
	}

	s.wg.Add(1)
	go s.healthLoop(ctx)

	<-ctx.Done()
	s.shutdownListeners()
	s.wg.Wait()
	return nil
}

func (s *Server) shutdownListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, route ResolvedRoute) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logf("accept error on %s: %v", ln.Addr(), err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn, route)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, route ResolvedRoute) {
	defer s.wg.Done()
	defer conn.Close()

	st := s.wakes.stateFor(route.TenantID, route.PoolID)
	if st.activeCount() >= s.Config.MaxConnectionsPerTenant {
		s.logf("rejecting connection to %s/%s: max_connections_per_tenant reached", route.TenantID, route.PoolID)
		return
	}

	st.connectionOpened()
	defer st.connectionClosed(route.IdleTimeout)

	wakeTimeout := time.Duration(s.Config.WakeTimeoutSecs) * time.Second
	addr, err := s.wakes.ensureRunning(ctx, route, wakeTimeout)
	if err != nil {
		s.logf("wake failed for %s/%s: %v", route.TenantID, route.PoolID, err)
		return
	}

	upstream, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		s.logf("dial gateway %s failed: %v", addr, err)
		st.markIdleIfRunning(addr)
		return
	}
	defer upstream.Close()

	splice(conn, upstream)
}

// splice bidirectionally copies bytes between two connections until
// either side closes, per spec §4.13 step 4 ("L4 splice").
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		if tc, ok := a.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		if tc, ok := b.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	wg.Wait()
}

// healthLoop TCP-probes every Running gateway's address on
// health_interval_secs and reverts a failing one to Idle, per spec
// §4.13's health loop.
func (s *Server) healthLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := time.Duration(s.Config.HealthIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeAll()
		}
	}
}

func (s *Server) probeAll() {
	s.wakes.mu.Lock()
	states := make(map[string]*gatewayState, len(s.wakes.states))
	for k, st := range s.wakes.states {
		states[k] = st
	}
	s.wakes.mu.Unlock()

	for _, st := range states {
		addr, ok := st.runningAddr()
		if !ok {
			continue
		}
		if !probeTCP(addr, 2*time.Second) {
			s.logf("health probe failed for %s, reverting to idle", addr)
			st.markIdleIfRunning(addr)
		}
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}
