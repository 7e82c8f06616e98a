package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"fleetd/internal/controlplane"
	"fleetd/internal/ferr"
)

// gatewayPhase is the closed tagged variant spec §4.13 names:
// GatewayState ∈ {Running(addr), Waking(watch_receiver), Idle}.
type gatewayPhase int

const (
	phaseIdle gatewayPhase = iota
	phaseWaking
	phaseRunning
)

type wakeResult struct {
	addr string
	err  error
}

// gatewayState is one (tenant, pool)'s wake-manager state, held under
// a lock plus a watch channel that every concurrent waiter during
// Waking subscribes to, per spec §4.13's coalescing requirement.
type gatewayState struct {
	mu      sync.Mutex
	phase   gatewayPhase
	addr    string
	conns   int
	idleAt  *time.Timer
	waiters chan wakeResult
}

// wakeManager owns one gatewayState per (tenant, pool) and drives the
// ensure_running state machine against a control-plane client.
type wakeManager struct {
	client *controlplane.Client

	mu     sync.Mutex
	states map[string]*gatewayState
}

func newWakeManager(client *controlplane.Client) *wakeManager {
	return &wakeManager{client: client, states: map[string]*gatewayState{}}
}

func gatewayKey(tenantID, poolID string) string { return tenantID + "/" + poolID }

func (w *wakeManager) stateFor(tenantID, poolID string) *gatewayState {
	key := gatewayKey(tenantID, poolID)
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[key]
	if !ok {
		st = &gatewayState{phase: phaseIdle}
		w.states[key] = st
	}
	return st
}

// ensureRunning implements spec §4.13 step 3: fast-path a Running
// gateway, coalesce onto an in-flight Waking wake, or drive a fresh
// wake from Idle. It returns the gateway's guest_ip:port on success.
func (w *wakeManager) ensureRunning(ctx context.Context, route ResolvedRoute, wakeTimeout time.Duration) (string, error) {
	st := w.stateFor(route.TenantID, route.PoolID)

	st.mu.Lock()
	switch st.phase {
	case phaseRunning:
		addr := st.addr
		st.mu.Unlock()
		return addr, nil
	case phaseWaking:
		ch := st.waiters
		st.mu.Unlock()
		return awaitWake(ctx, ch, wakeTimeout)
	default: // phaseIdle
		ch := make(chan wakeResult, 1)
		st.waiters = ch
		st.phase = phaseWaking
		st.mu.Unlock()
		go w.drive(route, st, ch, wakeTimeout)
		return awaitWake(ctx, ch, wakeTimeout)
	}
}

func awaitWake(ctx context.Context, ch chan wakeResult, timeout time.Duration) (string, error) {
	select {
	case res, ok := <-ch:
		if !ok {
			return "", ferr.New(ferr.TransitionDeferred, "awaitWake", "wake broadcast closed without a result")
		}
		return res.addr, res.err
	case <-time.After(timeout):
		return "", ferr.New(ferr.TransitionDeferred, "awaitWake", "wake timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// drive performs exactly one wake attempt on behalf of every
// coalesced waiter, then broadcasts the single outcome by closing ch
// after sending it — every receive on a closed, already-sent channel
// still observes the buffered value first.
func (w *wakeManager) drive(route ResolvedRoute, st *gatewayState, ch chan wakeResult, wakeTimeout time.Duration) {
	addr, err := w.performWake(route, wakeTimeout)

	st.mu.Lock()
	if err != nil {
		st.phase = phaseIdle
	} else {
		st.phase = phaseRunning
		st.addr = addr
	}
	st.mu.Unlock()

	ch <- wakeResult{addr: addr, err: err}
	close(ch)
}

func (w *wakeManager) performWake(route ResolvedRoute, wakeTimeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), wakeTimeout)
	defer cancel()

	wakeReq := controlplane.Request{
		Kind: controlplane.KindWakeInstance,
		WakeInstance: &controlplane.WakeInstancePayload{
			TenantID: route.TenantID,
			PoolID:   route.PoolID,
		},
	}
	instanceID, err := w.pickInstance(ctx, route)
	if err != nil {
		return "", err
	}
	wakeReq.WakeInstance.InstanceID = instanceID

	if _, err := w.client.Send(ctx, route.NodeAddr, wakeReq); err != nil {
		return "", err
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ferr.New(ferr.TransitionDeferred, "performWake", "gateway did not reach Running within wake_timeout_secs")
		case <-ticker.C:
			guestIP, ok, err := w.pollRunning(ctx, route, instanceID)
			if err != nil {
				return "", err
			}
			if !ok {
				continue
			}
			addr := fmt.Sprintf("%s:%d", guestIP, route.ServicePort)
			if !probeTCP(addr, 2*time.Second) {
				continue
			}
			return addr, nil
		}
	}
}

// pickInstance names the target instance for WakeInstance. Spec's
// WakeInstance payload names an instance_id, but the proxy only knows
// (tenant, pool); it resolves the pool's current InstanceList and
// picks the first non-Running instance, since any gateway replica
// serves the pool identically.
func (w *wakeManager) pickInstance(ctx context.Context, route ResolvedRoute) (string, error) {
	views, err := w.listInstances(ctx, route)
	if err != nil {
		return "", err
	}
	for _, v := range views {
		if v.Status != "Running" {
			return v.InstanceID, nil
		}
	}
	if len(views) > 0 {
		return views[0].InstanceID, nil
	}
	return "", ferr.New(ferr.ConfigInvalid, "pickInstance", fmt.Sprintf("no instances in pool %s/%s", route.TenantID, route.PoolID))
}

func (w *wakeManager) pollRunning(ctx context.Context, route ResolvedRoute, instanceID string) (string, bool, error) {
	views, err := w.listInstances(ctx, route)
	if err != nil {
		return "", false, err
	}
	for _, v := range views {
		if v.InstanceID == instanceID && v.Status == "Running" && v.GuestIP != "" {
			return v.GuestIP, true, nil
		}
	}
	return "", false, nil
}

func (w *wakeManager) listInstances(ctx context.Context, route ResolvedRoute) ([]controlplane.InstanceView, error) {
	resp, err := w.client.Send(ctx, route.NodeAddr, controlplane.Request{
		Kind: controlplane.KindInstanceList,
		InstanceList: &controlplane.InstanceListPayload{
			TenantID: route.TenantID,
			PoolID:   route.PoolID,
		},
	})
	if err != nil {
		return nil, err
	}
	return resp.InstanceList, nil
}

func probeTCP(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// connectionOpened increments the tenant/pool's active connection
// count, canceling any pending idle timer.
func (st *gatewayState) connectionOpened() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.conns++
	if st.idleAt != nil {
		st.idleAt.Stop()
		st.idleAt = nil
	}
}

// connectionClosed decrements the count and, on reaching zero, starts
// the idle timer that reverts the gateway to Idle, per spec §4.13
// steps 5-6.
func (st *gatewayState) connectionClosed(idleTimeout time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.conns--
	if st.conns > 0 {
		return
	}
	if st.idleAt != nil {
		st.idleAt.Stop()
	}
	st.idleAt = time.AfterFunc(idleTimeout, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.conns == 0 {
			st.phase = phaseIdle
			st.addr = ""
		}
	})
}

func (st *gatewayState) activeCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.conns
}

func (st *gatewayState) markIdleIfRunning(addr string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.phase == phaseRunning && st.addr == addr {
		st.phase = phaseIdle
		st.addr = ""
	}
}

func (st *gatewayState) runningAddr() (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.phase == phaseRunning {
		return st.addr, true
	}
	return "", false
}
