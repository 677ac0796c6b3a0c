//go:build windows

package probe

import (
	"syscall"
)

const (
	IPPROTO_IP = 0
	IP_TTL     = 4
)

// setIPv4TTL sets the TTL for an IPv4 socket on Windows.
func setIPv4TTL(fd uintptr, ttl int) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), IPPROTO_IP, IP_TTL, ttl)
}
