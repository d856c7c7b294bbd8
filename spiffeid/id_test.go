package spiffeid

import (
	"errors"
	"net/url"
	"testing"
)

func TestFromString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantErr  bool
		wantTD   string
		wantPath string
	}{
		{
			name:     "workload ID",
			input:    "spiffe://example.org/workload",
			wantTD:   "example.org",
			wantPath: "/workload",
		},
		{
			name:     "nested path",
			input:    "spiffe://example.org/ns/default/sa/backend",
			wantTD:   "example.org",
			wantPath: "/ns/default/sa/backend",
		},
		{
			name:     "trust domain ID without path",
			input:    "spiffe://example.org",
			wantTD:   "example.org",
			wantPath: "",
		},
		{
			name:     "uppercase trust domain is normalized",
			input:    "spiffe://EXAMPLE.org/workload",
			wantTD:   "example.org",
			wantPath: "/workload",
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "wrong scheme",
			input:   "https://example.org/workload",
			wantErr: true,
		},
		{
			name:    "missing authority",
			input:   "spiffe:///workload",
			wantErr: true,
		},
		{
			name:    "empty path segment",
			input:   "spiffe://example.org/foo//bar",
			wantErr: true,
		},
		{
			name:    "trailing slash",
			input:   "spiffe://example.org/workload/",
			wantErr: true,
		},
		{
			name:    "dot segment",
			input:   "spiffe://example.org/./workload",
			wantErr: true,
		},
		{
			name:    "dot-dot segment",
			input:   "spiffe://example.org/workload/../other",
			wantErr: true,
		},
		{
			name:    "disallowed path character",
			input:   "spiffe://example.org/work load",
			wantErr: true,
		},
		{
			name:    "port in authority",
			input:   "spiffe://example.org:8443/workload",
			wantErr: true,
		},
		{
			name:    "userinfo in authority",
			input:   "spiffe://user@example.org/workload",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := FromString(tt.input)

			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q", tt.input)
				}
				if !errors.Is(err, ErrInvalidID) {
					t.Errorf("Error should wrap ErrInvalidID, got %v", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if id.TrustDomain().String() != tt.wantTD {
				t.Errorf("Trust domain = %q, want %q", id.TrustDomain().String(), tt.wantTD)
			}
			if id.Path() != tt.wantPath {
				t.Errorf("Path = %q, want %q", id.Path(), tt.wantPath)
			}
		})
	}
}

func TestFromStringRoundTrip(t *testing.T) {
	inputs := []string{
		"spiffe://example.org/test",
		"spiffe://example.org",
		"spiffe://example.org/ns/default/sa/backend",
		"spiffe://trust_domain-1.example.org/Workload.v2",
	}

	for _, input := range inputs {
		id, err := FromString(input)
		if err != nil {
			t.Fatalf("Unexpected error parsing %q: %v", input, err)
		}
		if id.String() != input {
			t.Errorf("Round trip of %q yielded %q", input, id.String())
		}

		again, err := FromString(id.String())
		if err != nil {
			t.Fatalf("Re-parsing %q failed: %v", id.String(), err)
		}
		if again != id {
			t.Errorf("Re-parsed ID %v differs from %v", again, id)
		}
	}
}

func TestFromURI(t *testing.T) {
	u, err := url.Parse("spiffe://example.org/workload")
	if err != nil {
		t.Fatal(err)
	}

	id, err := FromURI(u)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if id.String() != "spiffe://example.org/workload" {
		t.Errorf("Unexpected ID %q", id.String())
	}

	if _, err := FromURI(nil); err == nil {
		t.Error("Expected error for nil URI")
	}
}

func TestFromSegments(t *testing.T) {
	td := RequireTrustDomainFromString("example.org")

	id, err := FromSegments(td, "ns", "default", "sa", "backend")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if id.String() != "spiffe://example.org/ns/default/sa/backend" {
		t.Errorf("Unexpected ID %q", id.String())
	}

	if _, err := FromSegments(td, "bad segment"); err == nil {
		t.Error("Expected error for invalid segment")
	}
	if _, err := FromSegments(td, ""); err == nil {
		t.Error("Expected error for empty segment")
	}
	if _, err := FromSegments(TrustDomain{}, "workload"); err == nil {
		t.Error("Expected error for zero trust domain")
	}
}

func TestMemberOf(t *testing.T) {
	id := RequireFromString("spiffe://example.org/workload")

	if !id.MemberOf(RequireTrustDomainFromString("example.org")) {
		t.Error("ID should be a member of example.org")
	}
	if id.MemberOf(RequireTrustDomainFromString("other.org")) {
		t.Error("ID should not be a member of other.org")
	}
}

func TestIDZeroValue(t *testing.T) {
	var id ID
	if !id.IsZero() {
		t.Error("Zero ID should report IsZero")
	}
	if id.String() != "" {
		t.Errorf("Zero ID string should be empty, got %q", id.String())
	}
}
