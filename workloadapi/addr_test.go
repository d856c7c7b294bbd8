package workloadapi

import "testing"

func TestParseTargetFromAddr(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		target  string
		wantErr bool
	}{
		{
			name:   "unix with empty authority",
			addr:   "unix:///run/spire/agent.sock",
			target: "unix:///run/spire/agent.sock",
		},
		{
			name:   "unix opaque form",
			addr:   "unix:/run/spire/agent.sock",
			target: "unix:///run/spire/agent.sock",
		},
		{
			name:   "tcp host and port",
			addr:   "tcp://127.0.0.1:8081",
			target: "127.0.0.1:8081",
		},
		{
			name:    "empty address",
			addr:    "",
			wantErr: true,
		},
		{
			name:    "unix relative path",
			addr:    "unix:agent.sock",
			wantErr: true,
		},
		{
			name:    "unix with host component",
			addr:    "unix://foo/run/agent.sock",
			wantErr: true,
		},
		{
			name:    "unix without path",
			addr:    "unix://",
			wantErr: true,
		},
		{
			name:    "tcp without port",
			addr:    "tcp://127.0.0.1",
			wantErr: true,
		},
		{
			name:    "tcp without host",
			addr:    "tcp://:8081",
			wantErr: true,
		},
		{
			name:    "tcp with path",
			addr:    "tcp://127.0.0.1:8081/agent",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			addr:    "http://127.0.0.1:8081",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := parseTargetFromAddr(tt.addr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q", tt.addr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if target != tt.target {
				t.Errorf("Target = %q, want %q", target, tt.target)
			}
		})
	}
}

func TestGetDefaultAddress(t *testing.T) {
	t.Setenv(SocketEnv, "unix:///run/spire/agent.sock")
	addr, ok := GetDefaultAddress()
	if !ok || addr != "unix:///run/spire/agent.sock" {
		t.Errorf("GetDefaultAddress() = %q, %v", addr, ok)
	}
}
