package server

import (
	"net"
	"os"
	"strings"

	"xolo/internal/logger"
)

type ListenAddr struct {
	Network string
	Address string
}

/**
 * Parse the configured listen address
 * @param {string} addr - "host:port", ":port" or "unix:/path/to/socket"
 * @returns {ListenAddr} Network and address for net.Listen
 */
func ParseListenAddr(addr string) ListenAddr {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return ListenAddr{Network: "unix", Address: path}
	}
	return ListenAddr{Network: "tcp", Address: addr}
}

/**
 * Create the API listener
 * @param {ListenAddr} addr - Where to listen
 * @returns {net.Listener} Listener ready for http.Server.Serve
 * @description
 * - A leftover unix socket file from a previous run is removed first
 * - Socket files are made group writable so admins in the group can connect
 */
func CreateListener(addr ListenAddr) (net.Listener, error) {
	if addr.Network == "unix" {
		if err := os.Remove(addr.Address); err != nil && !os.IsNotExist(err) {
			logger.Errorf("Failed to remove existing socket file: %v", err)
			return nil, err
		}
	}
	ln, err := net.Listen(addr.Network, addr.Address)
	if err != nil {
		logger.Errorf("Failed to create listener on %s://%s: %v", addr.Network, addr.Address, err)
		return nil, err
	}
	if addr.Network == "unix" {
		os.Chmod(addr.Address, 0660)
	}
	return ln, nil
}
