package server

import (
	"net"
	"strings"

	"logroller/internal/transport"
)

// ------------------------------------------------------------
// Client address for access logs.
//
// Devices usually talk to the collector directly, so the socket peer
// is the answer. When a local proxy sits in front, the first public
// X-Forwarded-For entry wins.
// ------------------------------------------------------------

// isPublicIP reports whether ip is routable (not private, loopback or
// link-local).
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// safeParseIP returns nil for blank or invalid input.
func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientAddr picks, in order:
//  1. the first public X-Forwarded-For entry
//  2. the peer host from RemoteAddr, public or not
//  3. "local" for in-process requests without a peer
func clientAddr(req transport.Request) string {
	if xff := req.Headers.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := safeParseIP(part); isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	if req.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		if ip := safeParseIP(host); ip != nil {
			return ip.String()
		}
		return host
	}
	return "local"
}
