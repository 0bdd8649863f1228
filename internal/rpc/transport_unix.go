//go:build !windows

package rpc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

var serverSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

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

// tightenSocket restricts the socket to its owner. Some filesystems
// (virtio-fs in containers) reject chmod on sockets with EINVAL; the
// socket is still protected by the parent directory there, so that case
// is only a warning.
func tightenSocket(socketPath string) error {
	err := os.Chmod(socketPath, 0600)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTSUP) {
		fmt.Fprintf(os.Stderr, "Warning: could not set socket permissions (filesystem limitation): %v\n", err)
		return nil
	}
	return err
}
