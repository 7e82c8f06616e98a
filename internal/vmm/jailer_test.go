package vmm

import "testing"

func TestComputeJailUIDIsDeterministicAndCollisionFreePerOffset(t *testing.T) {
	a := ComputeJailUID(5, 10)
	b := ComputeJailUID(5, 10)
	if a != b {
		t.Errorf("expected ComputeJailUID to be deterministic, got %d and %d", a, b)
	}
	if a != jailUIDBase+5*256+10 {
		t.Errorf("ComputeJailUID(5, 10) = %d, want %d", a, jailUIDBase+5*256+10)
	}
}

func TestComputeJailUIDDiffersAcrossNets(t *testing.T) {
	a := ComputeJailUID(1, 10)
	b := ComputeJailUID(2, 10)
	if a == b {
		t.Errorf("expected distinct net_id values to produce distinct uids, got %d for both", a)
	}
}

func TestComputeJailUIDDiffersAcrossOffsets(t *testing.T) {
	a := ComputeJailUID(1, 10)
	b := ComputeJailUID(1, 11)
	if a == b {
		t.Errorf("expected distinct ip_offset values to produce distinct uids, got %d for both", a)
	}
}
