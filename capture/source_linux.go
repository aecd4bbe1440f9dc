//go:build linux

package capture

import "github.com/google/gopacket/pcapgo"

func openEthernet(iface string) (packetSource, error) {
	handle, err := pcapgo.NewEthernetHandle(iface)
	if err != nil {
		return nil, err
	}
	return handle, nil
}
