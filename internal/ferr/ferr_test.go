package ferr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewProducesDetailMessage(t *testing.T) {
	err := New(ConfigInvalid, "Validate", "schema_version unsupported")
	want := "Validate: ConfigInvalid: schema_version unsupported"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapNilErrReturnsNil(t *testing.T) {
	if err := Wrap(IO, "op", nil); err != nil {
		t.Errorf("expected Wrap(kind, op, nil) to return nil, got %v", err)
	}
}

func TestWrapPreservesUnderlyingError(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IO, "WriteFile", cause)
	if !errors.Is(err, cause) {
		t.Error("expected Wrap's result to unwrap to the original cause")
	}
	want := "WriteFile: Io: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKindOfExtractsKindFromDirectError(t *testing.T) {
	err := New(QuotaExceeded, "CheckQuota", "vcpu limit exceeded")
	if got := KindOf(err); got != QuotaExceeded {
		t.Errorf("KindOf = %q, want %q", got, QuotaExceeded)
	}
}

func TestKindOfExtractsKindThroughWrapping(t *testing.T) {
	base := New(AddressInvalid, "ParseCIDR", "bad subnet")
	wrapped := fmt.Errorf("reconcile: %w", base)
	if got := KindOf(wrapped); got != AddressInvalid {
		t.Errorf("KindOf = %q, want %q", got, AddressInvalid)
	}
}

func TestKindOfReturnsEmptyForPlainError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf = %q, want empty", got)
	}
}

func TestKindOfReturnsEmptyForNilError(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestToWireDefaultsUnkindedErrorsToIO(t *testing.T) {
	we := ToWire(errors.New("unexpected"))
	if we.Kind != IO {
		t.Errorf("Kind = %q, want %q", we.Kind, IO)
	}
	if we.Message != "unexpected" {
		t.Errorf("Message = %q, want %q", we.Message, "unexpected")
	}
}

func TestToWireCarriesDetailFromFerrError(t *testing.T) {
	we := ToWire(New(ConfigInvalid, "Validate", "node_id is required"))
	if we.Kind != ConfigInvalid {
		t.Errorf("Kind = %q, want %q", we.Kind, ConfigInvalid)
	}
	if we.Detail != "node_id is required" {
		t.Errorf("Detail = %q, want %q", we.Detail, "node_id is required")
	}
}

func TestToWireNilErrorIsZeroValue(t *testing.T) {
	we := ToWire(nil)
	if we.Kind != "" || we.Message != "" {
		t.Errorf("expected a zero-value WireError for nil, got %+v", we)
	}
}
