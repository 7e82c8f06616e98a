// Package controlplane implements component L: the node agent's
// single QUIC+mTLS endpoint, a closed set of typed requests dispatched
// to the reconcile loop (K) and read-only projections of persisted
// state (B/E/F).
package controlplane

import (
	"fleetd/internal/reconcile"
)

// RequestKind is the closed set of request variants spec §4.12 names —
// no imperative execution outside this set.
type RequestKind string

const (
	KindReconcile       RequestKind = "Reconcile"
	KindReconcileSigned RequestKind = "ReconcileSigned"
	KindNodeInfo        RequestKind = "NodeInfo"
	KindNodeStats       RequestKind = "NodeStats"
	KindTenantList      RequestKind = "TenantList"
	KindInstanceList    RequestKind = "InstanceList"
	KindWakeInstance    RequestKind = "WakeInstance"
)

// Request is the tagged-union wire envelope for one control-plane
// call. Exactly one of the payload fields is populated according to
// Kind.
type Request struct {
	Kind RequestKind `json:"kind"`

	Reconcile       *reconcile.DesiredState `json:"reconcile,omitempty"`
	ReconcileSigned *ReconcileSignedPayload `json:"reconcile_signed,omitempty"`
	InstanceList    *InstanceListPayload    `json:"instance_list,omitempty"`
	WakeInstance    *WakeInstancePayload    `json:"wake_instance,omitempty"`
}

// ReconcileSignedPayload carries a desired-state document plus an
// Ed25519 signature over its canonical JSON encoding.
type ReconcileSignedPayload struct {
	State     reconcile.DesiredState `json:"state"`
	Signature string                 `json:"signature"` // base64
	KeyID     string                 `json:"key_id"`
}

// InstanceListPayload optionally scopes the projection to one pool.
type InstanceListPayload struct {
	TenantID string `json:"tenant_id"`
	PoolID   string `json:"pool_id,omitempty"`
}

// WakeInstancePayload names the target of a proxy-triggered wake.
type WakeInstancePayload struct {
	TenantID   string `json:"tenant_id"`
	PoolID     string `json:"pool_id"`
	InstanceID string `json:"instance_id"`
}

// Response is the tagged-union wire envelope for one control-plane
// reply. Error is set instead of any payload field on failure.
type Response struct {
	Error           *ErrorPayload    `json:"error,omitempty"`
	ReconcileReport *reconcile.Report `json:"reconcile_report,omitempty"`
	NodeInfo        *NodeInfo        `json:"node_info,omitempty"`
	NodeStats       *NodeStats       `json:"node_stats,omitempty"`
	TenantList      []TenantSummary  `json:"tenant_list,omitempty"`
	InstanceList    []InstanceView   `json:"instance_list,omitempty"`
	Acknowledged    bool             `json:"acknowledged,omitempty"`
}

// ErrorPayload is the structured error shape spec §6.4 names:
// {kind, message, detail?}.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// NodeInfo answers the NodeInfo request.
type NodeInfo struct {
	NodeID              string `json:"node_id"`
	Architecture        string `json:"architecture"`
	VCPUs               int    `json:"vcpus"`
	MemTotalMiB         uint64 `json:"mem_total_mib"`
	JailerAvailable     bool   `json:"jailer_available"`
	CgroupV2Available   bool   `json:"cgroup_v2_available"`
	AttestationProvider string `json:"attestation_provider"`
}

// NodeStats answers the NodeStats request.
type NodeStats struct {
	CountsByStatus  map[string]int `json:"counts_by_status"`
	MemUsedBytes    uint64         `json:"mem_used_bytes"`
	SnapshotBytes   int64          `json:"snapshot_bytes"`
}

// TenantSummary is one entry of the TenantList projection.
type TenantSummary struct {
	TenantID   string `json:"tenant_id"`
	PoolCount  int    `json:"pool_count"`
	Pinned     bool   `json:"pinned"`
}

// InstanceView is one entry of the InstanceList projection.
type InstanceView struct {
	TenantID   string `json:"tenant_id"`
	PoolID     string `json:"pool_id"`
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	GuestIP    string `json:"guest_ip,omitempty"`
}

func errorResponse(kind, message, detail string) Response {
	return Response{Error: &ErrorPayload{Kind: kind, Message: message, Detail: detail}}
}
