package main

import "testing"

func TestParseListen(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		port    int
		wantErr bool
	}{
		{"127.0.0.1:9090", "127.0.0.1", 9090, false},
		{":8080", "", 8080, false},
		{"[::1]:9090", "::1", 9090, false},
		{"127.0.0.1", "", 0, true},
		{"127.0.0.1:http", "", 0, true},
		{"127.0.0.1:70000", "", 0, true},
		{"127.0.0.1:0", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := parseListen(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseListen(%q): expected error, got %s:%d", tt.in, host, port)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseListen(%q): %v", tt.in, err)
			continue
		}
		if host != tt.host || port != tt.port {
			t.Errorf("parseListen(%q) = %s:%d, want %s:%d", tt.in, host, port, tt.host, tt.port)
		}
	}
}
