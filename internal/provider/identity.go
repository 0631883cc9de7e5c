package provider

import (
	"net"
	"os"
)

// Identity is the hostname and address stamped on every snapshot. It is
// resolved once at startup.
type Identity struct {
	Hostname string
	IP       string
}

// ResolveIdentity looks up the local hostname and the address of the
// interface that routes to the internet. No packets are sent.
func ResolveIdentity() Identity {
	id := Identity{Hostname: "localhost", IP: "127.0.0.1"}
	if h, err := os.Hostname(); err == nil && h != "" {
		id.Hostname = h
	}
	if ip := outboundIP(); ip != "" {
		id.IP = ip
	}
	return id
}

func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return ""
	}
	return addr.IP.String()
}
