package etlerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", base, KindUnknown},
		{"nil", nil, KindUnknown},
		{"direct", New(KindQuery, "dbconn.exec", base), KindQuery},
		{"wrapped once", fmt.Errorf("outer: %w", New(KindConfiguration, "config.load", base)), KindConfiguration},
		{"table scoped", ForTable(KindDataLoading, "load.table", "patient", base), KindDataLoading},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindEnvironment, true},
		{KindConfiguration, true},
		{KindConnection, false},
		{KindQuery, false},
		{KindSchemaValidation, false},
		{KindDataLoading, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := New(tt.kind, "op", errors.New("x"))
			if got := IsFatal(err); got != tt.want {
				t.Errorf("IsFatal(%v) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}

	if IsFatal(errors.New("unclassified")) {
		t.Error("IsFatal(unclassified) = true, want false")
	}
}

func TestErrorMessage(t *testing.T) {
	err := ForTable(KindQuery, "replicate.copy", "appointment", errors.New("deadlock"))
	want := "replicate.copy: database query error on table appointment: deadlock"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	if !errors.Is(fmt.Errorf("wrap: %w", err), err) {
		t.Error("wrapped error should match with errors.Is")
	}
}
