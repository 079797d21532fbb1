package netprobe

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/lansync/pkg/errors"
)

func ipNet(cidr string) net.Addr {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	ipNet.IP = ip
	return ipNet
}

func TestLocalAddress(t *testing.T) {
	defer func(old func() ([]iface, error)) { listInterfaces = old }(listInterfaces)

	loopback := iface{"lo", net.FlagUp | net.FlagLoopback, []net.Addr{ipNet("127.0.0.1/8")}}
	wifi := iface{"wlan0", net.FlagUp, []net.Addr{ipNet("fe80::1/64"), ipNet("192.168.1.20/24")}}
	wifiDown := iface{"wlan0", 0, []net.Addr{ipNet("192.168.1.20/24")}}
	cellular := iface{"rmnet0", net.FlagUp, []net.Addr{ipNet("10.64.0.3/30")}}
	linkLocalOnly := iface{"eth0", net.FlagUp, []net.Addr{ipNet("169.254.10.1/16")}}

	tests := []struct {
		name    string
		ifaces  []iface
		expAddr string
	}{
		{"Wifi", []iface{loopback, cellular, wifi}, "192.168.1.20"},
		{"WifiDown", []iface{loopback, wifiDown}, ""},
		{"CellularOnly", []iface{loopback, cellular}, ""},
		{"LinkLocalOnly", []iface{linkLocalOnly}, ""},
		{"None", nil, ""},
	}

	probe := New([]string{"wl", "en", "eth"})
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			listInterfaces = func() ([]iface, error) {
				return test.ifaces, nil
			}

			addr, err := probe.LocalAddress()
			assert.Equal(t, test.expAddr, addr)
			assert.Equal(t, test.expAddr != "", probe.IsOnPreferredNetwork())
			if test.expAddr == "" {
				var precondition errors.PreconditionNotMet
				assert.True(t, errors.As(err, &precondition))
			}
		})
	}
}
