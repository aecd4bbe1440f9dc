// Package netif lists host network interfaces and picks the one captures
// should be bound to.
package netif

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"go.uber.org/zap"

	"ghostshell/app/canary/common"
)

// Lister enumerates host interfaces.
type Lister func() ([]common.Interface, error)

// List returns one entry per interface address. An interface without
// addresses yields a single entry with an empty address.
func List() ([]common.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var out []common.Interface
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			out = append(out, common.Interface{Name: iface.Name})
			continue
		}
		for _, addr := range addrs {
			out = append(out, fromAddr(iface.Name, addr))
		}
	}
	return out, nil
}

func fromAddr(name string, addr net.Addr) common.Interface {
	s := addr.String()
	if ipnet, ok := addr.(*net.IPNet); ok {
		s = ipnet.IP.String()
	}
	entry := common.Interface{Name: name, Address: s}
	if ip, err := netip.ParseAddr(s); err == nil {
		if ip.Unmap().Is4() {
			entry.Family = common.FamilyIPv4
		} else {
			entry.Family = common.FamilyIPv6
		}
	}
	return entry
}

// usable reports whether an address may carry test traffic. Absent,
// loopback and link-local addresses are rejected.
func usable(address string) bool {
	switch address {
	case "", "127.0.0.1", "::1", "fe80::1":
		return false
	}
	if strings.HasPrefix(strings.ToLower(address), "fe80") {
		return false
	}
	// Addresses may carry a zone or prefix length.
	if i := strings.IndexAny(address, "%/"); i >= 0 {
		address = address[:i]
	}
	if ip, err := netip.ParseAddr(address); err == nil {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return false
		}
	}
	return true
}

// Select returns override when it is set. Otherwise it guesses: sort by
// name, drop unusable addresses, prefer the first IPv4 entry, then the first
// name starting with "e".
func Select(override string, ifaces []common.Interface) (string, error) {
	if override != "" {
		return override, nil
	}

	sorted := make([]common.Interface, len(ifaces))
	copy(sorted, ifaces)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var candidates []common.Interface
	for _, iface := range sorted {
		if usable(iface.Address) {
			candidates = append(candidates, iface)
		}
	}

	for _, iface := range candidates {
		if iface.Family == common.FamilyIPv4 {
			return iface.Name, nil
		}
	}
	for _, iface := range candidates {
		if strings.HasPrefix(iface.Name, "e") {
			return iface.Name, nil
		}
	}
	return "", &common.SetupError{Op: "select interface", Err: common.ErrNoInterfaceFound}
}

// Resolve lists interfaces with lister and selects one. An override that is
// not among the listed interfaces is kept but logged.
func Resolve(override string, lister Lister, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lister == nil {
		lister = List
	}

	ifaces, err := lister()
	if err != nil {
		if override != "" {
			logger.Warn("Failed to list interfaces, using override", zap.Error(err))
			return override, nil
		}
		return "", &common.SetupError{Op: "select interface", Err: fmt.Errorf("%w: %v", common.ErrNoInterfaceFound, err)}
	}

	name, err := Select(override, ifaces)
	if err != nil {
		return "", err
	}

	if override != "" && !contains(ifaces, override) {
		logger.Warn("Interface override not found on host", zap.String("interface", override))
	}
	logger.Info("Selected capture interface",
		zap.String("interface", name),
		zap.Bool("override", override != ""),
	)
	return name, nil
}

func contains(ifaces []common.Interface, name string) bool {
	for _, iface := range ifaces {
		if iface.Name == name {
			return true
		}
	}
	return false
}
