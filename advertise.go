package basp

import (
	"fmt"
	"net"
	"strconv"
)

// AdvertiseAddr returns the address peers should dial to reach an acceptor
// bound on listen with the given port. An unspecified or empty host is
// replaced by the first non-loopback IPv4 address of this machine.
func AdvertiseAddr(listen string, port uint16) (string, error) {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("advertise %q: %w", listen, err)
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
	}

	ip, err := localIPv4()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip, strconv.Itoa(int(port))), nil
}

func localIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}

	return "", fmt.Errorf("no suitable IP address found")
}
