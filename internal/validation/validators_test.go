package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		// Happy paths
		{"simple", "peering-1", false},
		{"underscore", "client_a", false},
		{"alphanumeric", "vlan123", false},

		// Sad paths
		{"empty", "", true},
		{"space", "my vlan", true},
		{"dot", "vlan.1", true},
		{"semicolon", "vlan;drop", true},
		{"long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateISD(t *testing.T) {
	tests := []struct {
		name    string
		isd     int
		wantErr bool
	}{
		{"min valid", 1, false},
		{"typical", 17, false},
		{"max valid", 65535, false},

		{"zero", 0, true},
		{"negative", -1, true},
		{"too high", 65536, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateISD(tt.isd)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateISD(%d) error = %v, wantErr %v", tt.isd, err, tt.wantErr)
			}
		})
	}
}

func TestValidateCIDR(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"ipv4 cidr", "10.250.0.0/24", false},
		{"ipv6 cidr", "2001:db8::/32", false},

		{"empty", "", true},
		{"plain ip", "10.250.0.1", true},
		{"bad prefix", "10.250.0.0/99", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCIDR(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCIDR(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIPInSubnet(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		subnet  string
		wantErr bool
	}{
		{"inside", "10.250.0.5", "10.250.0.0/24", false},
		{"network address", "10.250.0.0", "10.250.0.0/24", false},

		{"outside", "10.251.0.5", "10.250.0.0/24", true},
		{"bad ip", "nope", "10.250.0.0/24", true},
		{"bad subnet", "10.250.0.5", "nope", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIPInSubnet(tt.ip, tt.subnet)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIPInSubnet(%q, %q) error = %v, wantErr %v", tt.ip, tt.subnet, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePortRange(t *testing.T) {
	tests := []struct {
		name    string
		first   uint32
		last    uint32
		wantErr bool
	}{
		{"typical", 50000, 51000, false},
		{"full range", 0, 65536, false},
		{"single port", 50000, 50001, false},

		{"empty", 50000, 50000, true},
		{"inverted", 51000, 50000, true},
		{"first too high", 70000, 70001, true},
		{"last too high", 50000, 70000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePortRange(tt.first, tt.last)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePortRange(%d, %d) error = %v, wantErr %v", tt.first, tt.last, err, tt.wantErr)
			}
		})
	}
}
