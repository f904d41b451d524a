package discovery

import (
	"net"
	"strconv"
)

// localAddresses collects every address assigned to the host's interfaces,
// keyed by string form. Used to recognize our own looped-back announces.
func localAddresses() map[string]bool {
	out := map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		if ip := preferredLocalIP(); ip != "" {
			out[ip] = true
		}
		return out
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			out[ipn.IP.String()] = true
		}
	}
	return out
}

// preferredLocalIP finds the source address the host would pick to reach
// the wider network. No packet is actually sent.
func preferredLocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// LocalAddr guesses the "IP:Port" other peers will see for our chat
// listener. Display only; identity on the wire always comes from actual
// datagram sources.
func LocalAddr(port int) string {
	ip := preferredLocalIP()
	if ip == "" {
		ip = "127.0.0.1"
	}
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
