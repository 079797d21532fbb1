// Package netprobe inspects the local network interfaces to decide whether
// the device is on a network that's suitable for syncing.
package netprobe

import (
	"net"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/lansync/pkg/errors"
)

type iface struct {
	name  string
	flags net.Flags
	addrs []net.Addr
}

// listInterfaces is mocked for unit testing.
var listInterfaces = func() ([]iface, error) {
	netIfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ifaces []iface
	for _, netIface := range netIfaces {
		addrs, err := netIface.Addrs()
		if err != nil {
			log.WithError(err).WithField("interface", netIface.Name).Debug("Failed to get addresses")
			continue
		}
		ifaces = append(ifaces, iface{netIface.Name, netIface.Flags, addrs})
	}
	return ifaces, nil
}

// Probe checks for connectivity over the preferred interfaces. Interfaces are
// matched by name prefix, e.g. "wl" matches "wlan0" and "wlp2s0".
type Probe struct {
	prefixes []string
}

// New returns a Probe that prefers interfaces whose names start with one of
// `prefixes`.
func New(prefixes []string) *Probe {
	return &Probe{prefixes: prefixes}
}

// IsOnPreferredNetwork returns whether a preferred interface is up and has a
// routable address.
func (p *Probe) IsOnPreferredNetwork() bool {
	_, err := p.LocalAddress()
	return err == nil
}

// LocalAddress returns the first IPv4 address of a preferred interface that
// is up.
func (p *Probe) LocalAddress() (string, error) {
	ifaces, err := listInterfaces()
	if err != nil {
		return "", errors.WithContext(err, "list interfaces")
	}

	for _, iface := range ifaces {
		if iface.flags&net.FlagUp == 0 || iface.flags&net.FlagLoopback != 0 {
			continue
		}

		if !p.isPreferred(iface.name) {
			continue
		}

		for _, addr := range iface.addrs {
			ip := addrIP(addr)
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}

			if ip4 := ip.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	return "", errors.PreconditionNotMet{Reason: "no preferred network interface is connected"}
}

func (p *Probe) isPreferred(name string) bool {
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func addrIP(addr net.Addr) net.IP {
	switch addr := addr.(type) {
	case *net.IPNet:
		return addr.IP
	case *net.IPAddr:
		return addr.IP
	}
	return nil
}
