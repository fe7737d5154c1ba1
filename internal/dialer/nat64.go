package dialer

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// DefaultNAT64Prefixes is the ordered set of public translation
// gateways tried for sandbox-blocked targets. A prefix ends in "::"
// (short form) or ":" (all groups spelled out).
var DefaultNAT64Prefixes = []string{
	"2602:fc59:b0:64::",
	"2a00:1098:2c:1::",
	"2a00:1098:2b:0:0:1:",
	"2a01:4f8:c2c:123f::",
	"2a01:4f9:c010:3f02::",
	"2001:67c:2960:6464::",
}

var errBadPrefix = errors.New("nat64: prefix must end in ':' or '::'")

// SynthesizeNAT64 embeds an IPv4 address into a /96 prefix, producing
// a bracketed literal usable as a connect hostname:
//
//	104.16.0.1 + "2602:fc59:b0:64::"  ->  "[2602:fc59:b0:64::6810:0001]"
//
// The low 32 bits are the four octets, each as two zero-padded hex
// digits, in two groups of two octets.
func SynthesizeNAT64(ip net.IP, prefix string) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", errors.New("nat64: not an IPv4 address")
	}
	if !strings.HasSuffix(prefix, ":") {
		return "", errBadPrefix
	}
	return fmt.Sprintf("[%s%02x%02x:%02x%02x]", prefix, v4[0], v4[1], v4[2], v4[3]), nil
}
