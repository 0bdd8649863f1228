//go:build windows

package rpc

import (
	"net"
	"os"
	"time"
)

var serverSignals = []os.Signal{os.Interrupt}

func listenRPC(socketPath string) (net.Listener, error) {
	return net.Listen("unix", socketPath)
}

func listenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func dialRPC(socketPath string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", socketPath, timeout)
}

func dialTCP(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

func endpointExists(socketPath string) bool {
	_, err := os.Stat(socketPath)
	return err == nil
}

// Socket permission bits are meaningless on Windows.
func tightenSocket(string) error { return nil }
