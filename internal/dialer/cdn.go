package dialer

import (
	"encoding/binary"
	"net"
)

// ipRange is an inclusive [start, end] pair over the 32-bit address
// space.
type ipRange struct {
	start, end uint32
}

// cdnRanges lists the anycast blocks the sandbox refuses to connect to
// directly. A hostname resolving into one of these goes straight to
// NAT64.
var cdnRanges = []ipRange{
	{ip4("103.21.244.0"), ip4("103.21.247.255")},
	{ip4("103.22.200.0"), ip4("103.22.203.255")},
	{ip4("103.31.4.0"), ip4("103.31.7.255")},
	{ip4("104.16.0.0"), ip4("104.31.255.255")},
	{ip4("108.162.192.0"), ip4("108.162.255.255")},
	{ip4("131.0.72.0"), ip4("131.0.75.255")},
	{ip4("141.101.64.0"), ip4("141.101.127.255")},
	{ip4("162.158.0.0"), ip4("162.159.255.255")},
	{ip4("172.64.0.0"), ip4("172.71.255.255")},
	{ip4("173.245.48.0"), ip4("173.245.63.255")},
	{ip4("188.114.96.0"), ip4("188.114.111.255")},
	{ip4("190.93.240.0"), ip4("190.93.255.255")},
	{ip4("197.234.240.0"), ip4("197.234.243.255")},
	{ip4("198.41.128.0"), ip4("198.41.255.255")},
}

func ip4(s string) uint32 {
	ip := net.ParseIP(s).To4()
	return binary.BigEndian.Uint32(ip)
}

// IsCDNAddress classifies an IPv4 address against the known ranges.
func IsCDNAddress(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	n := binary.BigEndian.Uint32(v4)
	for _, r := range cdnRanges {
		if n >= r.start && n <= r.end {
			return true
		}
	}
	return false
}
