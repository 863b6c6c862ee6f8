// Package validation holds input validators shared by the RPC
// handlers and the topology loader.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	// Valid name for owners, VLANs and clients: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateIdentifier validates a general identifier (owner names, VLAN
// names, client names).
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if len(id) > 255 {
		return fmt.Errorf("identifier too long (max 255 characters)")
	}

	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}

	return nil
}

// ValidateISD validates an isolation domain identifier.
func ValidateISD(isd int) error {
	if isd < 1 || isd > 65535 {
		return fmt.Errorf("invalid ISD: %d (must be 1-65535)", isd)
	}
	return nil
}

// ValidateCIDR validates a subnet in CIDR notation.
func ValidateCIDR(s string) error {
	if s == "" {
		return fmt.Errorf("CIDR cannot be empty")
	}
	if !strings.Contains(s, "/") {
		return fmt.Errorf("invalid CIDR (missing prefix length): %s", s)
	}
	if _, _, err := net.ParseCIDR(s); err != nil {
		return fmt.Errorf("invalid CIDR: %w", err)
	}
	return nil
}

// ValidateIPInSubnet checks that ip lies inside the subnet.
func ValidateIPInSubnet(ip, subnet string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("invalid IP address: %s", ip)
	}
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return fmt.Errorf("invalid CIDR: %w", err)
	}
	if !ipnet.Contains(parsed) {
		return fmt.Errorf("IP %s not in subnet %s", ip, subnet)
	}
	return nil
}

// ValidatePortRange validates a half-open UDP port range [first, last).
func ValidatePortRange(first, last uint32) error {
	if first > 65535 || last > 65536 {
		return fmt.Errorf("port range %d-%d out of bounds", first, last)
	}
	if first >= last {
		return fmt.Errorf("empty port range %d-%d", first, last)
	}
	return nil
}
