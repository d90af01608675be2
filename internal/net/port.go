package net

import (
	"fmt"
	"net"
	"strconv"
)

// EphemeralPort asks the kernel for a free loopback TCP port.
// The port is released before returning, so another process may take it first.
func EphemeralPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// EphemeralAddr is EphemeralPort as a "127.0.0.1:port" listen address.
func EphemeralAddr() (string, error) {
	port, err := EphemeralPort()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
}
