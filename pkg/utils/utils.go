package utils

import (
	"encoding/binary"
	"net"
	"regexp"
	"strconv"
)

var numericSuffix = regexp.MustCompile(`^(.*?)(\d+)$`)

// IPToUint32 converts an IPv4 address into its numeric form.
func IPToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}

	return binary.BigEndian.Uint32(v4)
}

// Uint32ToIP is the inverse of IPToUint32.
func Uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// NaturalLess orders names so that hosts sharing a prefix compare by their
// numeric suffix: "compute-2" < "compute-10".
func NaturalLess(a, b string) bool {
	am := numericSuffix.FindStringSubmatch(a)
	bm := numericSuffix.FindStringSubmatch(b)

	if am != nil && bm != nil && am[1] == bm[1] {
		an, aErr := strconv.Atoi(am[2])
		bn, bErr := strconv.Atoi(bm[2])
		if aErr == nil && bErr == nil && an != bn {
			return an < bn
		}
	}

	return a < b
}
