// Package alloc hands out IPs and UDP ports from the finite pools
// attached to VLANs and interfaces.
package alloc

import (
	"errors"
	"fmt"
	"net/netip"

	"grimm.is/peerd/internal/store"
)

var (
	// ErrNoUnusedIPs means the VLAN subnet is exhausted.
	ErrNoUnusedIPs = errors.New("no unused IPs")
	// ErrNoUnusedPorts means the interface port range is exhausted.
	ErrNoUnusedPorts = errors.New("no unused ports")
)

// UnusedIP returns the smallest free host address in the VLAN's
// subnet. The network address and, for IPv4, the broadcast address
// are never handed out.
func UnusedIP(tx *store.Tx, vlan *store.VLAN) (string, error) {
	prefix, err := netip.ParsePrefix(vlan.Subnet)
	if err != nil {
		return "", fmt.Errorf("invalid subnet %q: %w", vlan.Subnet, err)
	}
	prefix = prefix.Masked()

	used, err := tx.UsedIPs(vlan.Name)
	if err != nil {
		return "", err
	}

	for a := prefix.Addr().Next(); prefix.Contains(a); a = a.Next() {
		if a.Is4() && isBroadcast(a, prefix) {
			break
		}
		if !used[a.String()] {
			return a.String(), nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoUnusedIPs, vlan.Name)
}

func isBroadcast(a netip.Addr, prefix netip.Prefix) bool {
	return !prefix.Contains(a.Next())
}

// UnusedPort returns the smallest free port in the interface's range
// [FirstPort, LastPort). Ports are scoped to the interface: links on
// other interfaces of the same AS do not count.
func UnusedPort(tx *store.Tx, iface *store.Interface) (uint32, error) {
	ports, err := tx.UsedPorts(iface.ID)
	if err != nil {
		return 0, err
	}
	used := make(map[uint32]bool, len(ports))
	for _, p := range ports {
		used[p] = true
	}

	for p := iface.FirstPort; p < iface.LastPort; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w on %s/%s", ErrNoUnusedPorts, iface.VLAN, iface.PublicIP)
}
