package netif

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostshell/app/canary/common"
)

func v4(name, addr string) common.Interface {
	return common.Interface{Name: name, Family: common.FamilyIPv4, Address: addr}
}

func v6(name, addr string) common.Interface {
	return common.Interface{Name: name, Family: common.FamilyIPv6, Address: addr}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name   string
		ifaces []common.Interface
		want   string
	}{
		{
			name:   "prefers first ipv4 in name order",
			ifaces: []common.Interface{v4("wlan0", "192.168.1.5"), v6("en0", "2001:db8::5"), v4("eth1", "10.0.0.2")},
			want:   "eth1",
		},
		{
			name:   "skips loopback",
			ifaces: []common.Interface{v4("lo", "127.0.0.1"), v6("lo", "::1"), v4("wlan0", "192.168.1.5")},
			want:   "wlan0",
		},
		{
			name:   "falls back to e prefix",
			ifaces: []common.Interface{v6("utun0", "2001:db8::1"), v6("en0", "2001:db8::2"), v6("awdl0", "fe80::1")},
			want:   "en0",
		},
		{
			name:   "link-local ipv4 is not preferred",
			ifaces: []common.Interface{v4("bridge0", "169.254.10.1"), v6("eth0", "2001:db8::2")},
			want:   "eth0",
		},
		{
			name:   "zoned link-local",
			ifaces: []common.Interface{v6("ab0", "FE80::aede:48ff:fe00:1122%ab0"), v6("en5", "2001:db8::9")},
			want:   "en5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select("", tt.ifaces)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectOverride(t *testing.T) {
	got, err := Select("utun3", []common.Interface{v4("lo", "127.0.0.1")})
	require.NoError(t, err)
	assert.Equal(t, "utun3", got)

	got, err = Select("ppp0", nil)
	require.NoError(t, err)
	assert.Equal(t, "ppp0", got)
}

func TestSelectNoInterface(t *testing.T) {
	cases := [][]common.Interface{
		nil,
		{v4("lo", "127.0.0.1"), v6("lo", "::1")},
		{v6("utun0", "2001:db8::1"), {Name: "eth0"}},
		{v6("en0", "fe80::1"), v6("en1", "fe80::abcd")},
	}
	for i, ifaces := range cases {
		_, err := Select("", ifaces)
		require.ErrorIs(t, err, common.ErrNoInterfaceFound, "case %d", i)
	}
}

func TestSelectDoesNotReorderInput(t *testing.T) {
	in := []common.Interface{v4("wlan0", "192.168.1.5"), v4("eth0", "10.0.0.1")}
	_, err := Select("", in)
	require.NoError(t, err)
	assert.Equal(t, "wlan0", in[0].Name)
}

// The chosen interface never has a loopback or link-local address.
func TestSelectNeverReturnsLoopbackOrLinkLocal(t *testing.T) {
	pool := []string{
		"", "127.0.0.1", "127.0.0.53", "::1", "fe80::1", "fe80::1c2d:3ff:fe4e:5f6a",
		"169.254.1.1", "192.168.0.10", "10.1.2.3", "2001:db8::10", "203.0.113.7",
	}
	names := []string{"eth", "en", "wlan", "lo", "utun", "bridge", "awdl"}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 500; round++ {
		n := rng.Intn(6)
		ifaces := make([]common.Interface, n)
		byName := make(map[string]common.Interface, n)
		for i := range ifaces {
			addr := pool[rng.Intn(len(pool))]
			name := fmt.Sprintf("%s%d", names[rng.Intn(len(names))], i)
			entry := common.Interface{Name: name, Address: addr}
			if ip, err := netip.ParseAddr(addr); err == nil && ip.Is4() {
				entry.Family = common.FamilyIPv4
			} else if addr != "" {
				entry.Family = common.FamilyIPv6
			}
			ifaces[i] = entry
			byName[name] = entry
		}

		got, err := Select("", ifaces)
		if err != nil {
			require.True(t, errors.Is(err, common.ErrNoInterfaceFound))
			continue
		}
		chosen, ok := byName[got]
		require.True(t, ok)
		require.NotEmpty(t, chosen.Address)
		ip, err := netip.ParseAddr(chosen.Address)
		require.NoError(t, err)
		assert.False(t, ip.IsLoopback(), "round %d chose %v", round, chosen)
		assert.False(t, ip.IsLinkLocalUnicast(), "round %d chose %v", round, chosen)
	}
}

func TestResolve(t *testing.T) {
	lister := func() ([]common.Interface, error) {
		return []common.Interface{v4("lo", "127.0.0.1"), v4("eth0", "10.0.0.1")}, nil
	}
	got, err := Resolve("", lister, nil)
	require.NoError(t, err)
	assert.Equal(t, "eth0", got)

	got, err = Resolve("missing0", lister, nil)
	require.NoError(t, err)
	assert.Equal(t, "missing0", got)

	failing := func() ([]common.Interface, error) { return nil, errors.New("boom") }
	_, err = Resolve("", failing, nil)
	require.ErrorIs(t, err, common.ErrNoInterfaceFound)

	got, err = Resolve("eth9", failing, nil)
	require.NoError(t, err)
	assert.Equal(t, "eth9", got)
}

func TestListReportsFamilies(t *testing.T) {
	ifaces, err := List()
	require.NoError(t, err)
	for _, iface := range ifaces {
		assert.NotEmpty(t, iface.Name)
		if iface.Address != "" {
			assert.NotEmpty(t, iface.Family, iface.Name)
		}
	}
}
