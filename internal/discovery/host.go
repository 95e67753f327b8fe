package discovery

import (
	"fmt"
	"net"
	"os"
)

// DefaultInstanceID builds the conventional "host:service:port" id.
func DefaultInstanceID(host, service string, port int) string {
	return fmt.Sprintf("%s:%s:%d", host, service, port)
}

// ResolveHost returns the address to advertise. When preferIP is set the first
// non-loopback IPv4 address is used, otherwise the OS hostname.
func ResolveHost(preferIP bool) (string, error) {
	if !preferIP {
		name, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("resolving hostname: %w", err)
		}
		return name, nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("listing interface addresses: %w", err)
	}
	if ip := firstIPv4(addrs); ip != "" {
		return ip, nil
	}
	return "127.0.0.1", nil
}

func firstIPv4(addrs []net.Addr) string {
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
