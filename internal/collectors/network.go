package collectors

import (
	"context"
	"errors"
	"net"
	"slices"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// NetworkInterface is the NIC reported in the device record.
type NetworkInterface struct {
	Name      string `json:"interfaceName"`
	MACAddr   string `json:"macAddress"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// ErrNoInterface means no NIC is up with both a MAC and an IPv4 address.
var ErrNoInterface = errors.New("collectors: no usable network interface")

// PrimaryInterface returns the first interface that is up, not loopback,
// and has an IPv4 address.
func PrimaryInterface(ctx context.Context) (NetworkInterface, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return NetworkInterface{}, err
	}
	return pickInterface(ifaces)
}

func pickInterface(ifaces psnet.InterfaceStatList) (NetworkInterface, error) {
	var fallback *NetworkInterface
	for _, iface := range ifaces {
		if slices.Contains(iface.Flags, "loopback") || !slices.Contains(iface.Flags, "up") {
			continue
		}
		if iface.HardwareAddr == "" {
			continue
		}

		ni := NetworkInterface{Name: iface.Name, MACAddr: iface.HardwareAddr}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip != nil && ip.To4() != nil && !ip.IsLinkLocalUnicast() {
				ni.IPAddress = ip.String()
				break
			}
		}
		if ni.IPAddress != "" {
			return ni, nil
		}
		if fallback == nil {
			fallback = &ni
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return NetworkInterface{}, ErrNoInterface
}
