// Package reconcile implements component K: converging on-disk state
// toward a desired-state document by driving the lifecycle API (I)
// and the sleep policy (J).
package reconcile

import "fleetd/internal/store"

// DesiredState is the top-level document a reconcile tick converges
// toward, matching the control-plane wire format verbatim.
type DesiredState struct {
	SchemaVersion       int             `json:"schema_version"`
	NodeID              string          `json:"node_id"`
	Tenants             []DesiredTenant `json:"tenants"`
	PruneUnknownTenants bool            `json:"prune_unknown_tenants"`
	PruneUnknownPools   bool            `json:"prune_unknown_pools"`
}

type DesiredTenant struct {
	TenantID string              `json:"tenant_id"`
	Network  store.TenantNetwork `json:"network"`
	Quotas   store.Quotas        `json:"quotas"`
	Pools    []DesiredPool       `json:"pools"`
}

type DesiredPool struct {
	PoolID            string                  `json:"pool_id"`
	Role              string                  `json:"role"`
	FlakeRef          string                  `json:"flake_ref"`
	Profile           string                  `json:"profile"`
	InstanceResources store.InstanceResources `json:"instance_resources"`
	DesiredCounts     store.DesiredCounts     `json:"desired_counts"`
	RuntimePolicy     store.RuntimePolicy     `json:"runtime_policy"`
	SecretScopes      []store.SecretScope     `json:"secret_scopes,omitempty"`
	RoutingTable      map[string]any          `json:"routing_table,omitempty"`
}

// Report summarizes the effects of one reconcile tick.
type Report struct {
	Created   int      `json:"created"`
	Started   int      `json:"started"`
	Warmed    int      `json:"warmed"`
	Slept     int      `json:"slept"`
	Woken     int      `json:"woken"`
	Stopped   int      `json:"stopped"`
	Destroyed int      `json:"destroyed"`
	Deferred  int      `json:"deferred"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *Report) addErr(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

const maxDesiredCount = 100
