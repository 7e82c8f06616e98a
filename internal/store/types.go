// Package store implements the durable, file-based state root: JSON
// entity files under /var/lib/<app>/tenants/..., atomic writes,
// per-instance exclusive locking, and per-tenant audit logs.
package store

import (
	"strings"
	"time"
)

// Quotas bounds a tenant's aggregate resource usage.
type Quotas struct {
	MaxVCPUs             uint32 `json:"max_vcpus"`
	MaxMemMiB            uint64 `json:"max_mem_mib"`
	MaxRunning           uint32 `json:"max_running"`
	MaxWarm              uint32 `json:"max_warm"`
	MaxPools             uint32 `json:"max_pools"`
	MaxInstancesPerPool  uint32 `json:"max_instances_per_pool"`
	MaxDiskGiB           uint64 `json:"max_disk_gib"`
}

// TenantNetwork is the network block every tenant must carry (data
// model invariant 1).
type TenantNetwork struct {
	TenantNetID  uint16 `json:"tenant_net_id"`
	IPv4Subnet   string `json:"ipv4_subnet"`
	GatewayIP    string `json:"gateway_ip"`
	BridgeName   string `json:"bridge_name"`
}

// Tenant is the top-level entity keyed by TenantID.
type Tenant struct {
	TenantID           string        `json:"tenant_id"`
	Network            TenantNetwork `json:"network"`
	Quotas             Quotas        `json:"quotas"`
	Pinned             bool          `json:"pinned"`
	AuditRetentionDays uint32        `json:"audit_retention_days"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// PoolRole is a closed set of pool roles governing reconcile
// ordering (Gateway < Builder < Worker < Capability).
type PoolRole string

const (
	RoleGateway PoolRole = "gateway"
	RoleBuilder PoolRole = "builder"
	RoleWorker  PoolRole = "worker"
	RoleCapability PoolRole = "capability"
)

// RolePriority returns the scale-up ordering weight for a role.
// Capability roles are named "capability-<name>" on the wire; callers
// should pass the role prefix through NormalizeRole first.
func RolePriority(r PoolRole) int {
	switch r {
	case RoleGateway:
		return 0
	case RoleBuilder:
		return 1
	case RoleWorker:
		return 2
	case RoleCapability:
		return 3
	default:
		return 4
	}
}

// NormalizeRole splits the wire form of a role ("capability-<name>")
// into its PoolRole and, for capability pools, the capability name;
// every other role passes through unchanged with an empty name.
func NormalizeRole(wire string) (PoolRole, string) {
	if strings.HasPrefix(wire, string(RoleCapability)+"-") {
		return RoleCapability, strings.TrimPrefix(wire, string(RoleCapability)+"-")
	}
	return PoolRole(wire), ""
}

// InstanceResources bounds one instance's CPU/memory/disk footprint.
type InstanceResources struct {
	VCPUs       uint8  `json:"vcpus"`
	MemMiB      uint32 `json:"mem_mib"`
	DataDiskMiB uint32 `json:"data_disk_mib"`
}

// DesiredCounts is the pool's target instance-count distribution
// across running/warm/sleeping states.
type DesiredCounts struct {
	Running  uint32 `json:"running"`
	Warm     uint32 `json:"warm"`
	Sleeping uint32 `json:"sleeping"`
}

// RuntimePolicy governs minimum-runtime and drain timing.
type RuntimePolicy struct {
	MinRunningSeconds     uint32 `json:"min_running_seconds"`
	MinWarmSeconds        uint32 `json:"min_warm_seconds"`
	DrainTimeoutSeconds   uint32 `json:"drain_timeout_seconds"`
	GracefulShutdownSeconds uint32 `json:"graceful_shutdown_seconds"`
}

// DefaultRuntimePolicy fills the defaults named in the desired-state
// document section: min_running=60, min_warm=30, drain_timeout=30,
// graceful_shutdown=15.
func DefaultRuntimePolicy() RuntimePolicy {
	return RuntimePolicy{
		MinRunningSeconds:       60,
		MinWarmSeconds:          30,
		DrainTimeoutSeconds:     30,
		GracefulShutdownSeconds: 15,
	}
}

// SecretScope names an integration and the secret keys it exposes
// under a scoped secrets tree (vdc, when the pool declares scopes).
type SecretScope struct {
	Integration string   `json:"integration"`
	Keys        []string `json:"keys"`
}

// SnapshotCompression is a closed set of snapshot payload codecs.
type SnapshotCompression string

const (
	CompressionNone SnapshotCompression = "none"
	CompressionLZ4  SnapshotCompression = "lz4"
	CompressionZstd SnapshotCompression = "zstd"
)

// SeccompPolicy is a closed set of jailer seccomp profiles.
type SeccompPolicy string

const (
	SeccompBaseline SeccompPolicy = "baseline"
	SeccompStrict   SeccompPolicy = "strict"
)

// Pool is keyed by (TenantID, PoolID).
type Pool struct {
	TenantID            string               `json:"tenant_id"`
	PoolID              string               `json:"pool_id"`
	Role                PoolRole             `json:"role"`
	CapabilityName      string               `json:"capability_name,omitempty"`
	Profile             string               `json:"profile"`
	FlakeRef            string               `json:"flake_ref"`
	InstanceResources   InstanceResources    `json:"instance_resources"`
	DesiredCounts       DesiredCounts        `json:"desired_counts"`
	SeccompPolicy       SeccompPolicy        `json:"seccomp_policy"`
	SnapshotCompression SnapshotCompression  `json:"snapshot_compression"`
	RuntimePolicy       RuntimePolicy        `json:"runtime_policy"`
	SecretScopes        []SecretScope        `json:"secret_scopes,omitempty"`
	RoutingTable        map[string]any       `json:"routing_table,omitempty"`
	Pinned              bool                 `json:"pinned"`
	Critical            bool                 `json:"critical"`
	CurrentRevisionHash string               `json:"current_revision_hash,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// Revision is keyed by (Pool, RevisionHash).
type Revision struct {
	TenantID     string    `json:"tenant_id"`
	PoolID       string    `json:"pool_id"`
	RevisionHash string    `json:"revision_hash"`
	VmlinuxPath  string    `json:"vmlinux_path"`
	RootfsPath   string    `json:"rootfs_path"`
	FCBasePath   string    `json:"fc_base_path"`
	BuilderMeta  string    `json:"builder_meta,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Status is the closed set of instance lifecycle states (component H).
type Status string

const (
	StatusCreated   Status = "Created"
	StatusReady     Status = "Ready"
	StatusRunning   Status = "Running"
	StatusWarm      Status = "Warm"
	StatusSleeping  Status = "Sleeping"
	StatusStopped   Status = "Stopped"
	StatusDestroyed Status = "Destroyed"
)

// InstanceNetwork holds the derived, persisted network identity of
// one instance.
type InstanceNetwork struct {
	TapDev    string `json:"tap_dev"`
	MAC       string `json:"mac"`
	GuestIP   string `json:"guest_ip"`
	GatewayIP string `json:"gateway_ip"`
	CIDR      string `json:"cidr"`
	IPOffset  uint8  `json:"ip_offset"`
}

// IdleMetrics tracks the moving-average CPU load used by the sleep
// policy's idle-duration heuristic.
type IdleMetrics struct {
	CPUMovingAvg float64   `json:"cpu_moving_avg"`
	LastWorkTS   time.Time `json:"last_work_ts"`
	IdleSecs     uint64    `json:"idle_secs"`
}

// Instance is keyed by (TenantID, PoolID, InstanceID).
type Instance struct {
	TenantID           string          `json:"tenant_id"`
	PoolID             string          `json:"pool_id"`
	InstanceID         string          `json:"instance_id"`
	Status             Status          `json:"status"`
	Net                InstanceNetwork `json:"net"`
	FirecrackerPID     int             `json:"firecracker_pid,omitempty"`
	Jailed             bool            `json:"jailed,omitempty"`
	CgroupPath         string          `json:"cgroup_path,omitempty"`
	RevisionHash       string          `json:"revision_hash,omitempty"`
	EnteredRunningAt   *time.Time      `json:"entered_running_at,omitempty"`
	EnteredWarmAt      *time.Time      `json:"entered_warm_at,omitempty"`
	LastBusyAt         *time.Time      `json:"last_busy_at,omitempty"`
	Idle               IdleMetrics     `json:"idle_metrics"`
	ManualOverrideUntil *time.Time     `json:"manual_override_until,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// SnapshotMeta describes one stored snapshot (base or delta).
type SnapshotMeta struct {
	Compression     SnapshotCompression `json:"compression"`
	Encrypted       bool                `json:"encrypted"`
	Nonce           string              `json:"nonce,omitempty"`
	BaseHash        string              `json:"base_hash,omitempty"`
	KernelHash      string              `json:"kernel_hash"`
	RootfsHash      string              `json:"rootfs_hash"`
	RevisionHash    string              `json:"revision_hash"`
	CreatedAt       time.Time           `json:"created_at"`
}

// AuditActor is the closed set of actors that can produce an audit
// entry / reason on a lifecycle mutation.
type AuditActor string

const (
	ActorManual      AuditActor = "Manual"
	ActorReconcile   AuditActor = "Reconcile"
	ActorSleepPolicy AuditActor = "SleepPolicy"
	ActorWakeOnDemand AuditActor = "Wake-on-Demand"
)

// AuditEntry is one line of a tenant's append-only audit log.
type AuditEntry struct {
	Timestamp  time.Time  `json:"timestamp"`
	Actor      AuditActor `json:"actor"`
	Action     string     `json:"action"`
	TenantID   string     `json:"tenant_id"`
	PoolID     string     `json:"pool_id,omitempty"`
	InstanceID string     `json:"instance_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}
