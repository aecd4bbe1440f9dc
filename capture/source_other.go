//go:build !linux

package capture

import "ghostshell/app/canary/common"

func openEthernet(iface string) (packetSource, error) {
	return nil, common.ErrUnsupportedPlatform
}
