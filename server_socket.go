package httpring

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// listenBacklog is the backlog argument passed to listen(2), matching
// the depth of a single listener's accept queue independent of the
// ring's own submission depth.
const listenBacklog = 1024

type listenerSocket struct {
	fd   int
	addr string
}

// listenSocket opens a raw, non-blocking listen socket for addr, which
// is either "tcp://host:port" or "unix:///path/to/socket" (a bare
// "host:port" with no scheme defaults to tcp). It uses
// golang.org/x/sys/unix directly rather than net.Listen, consistent
// with how this core never hands socket lifetime to net: net is used
// only to parse the host:port pair.
func listenSocket(addr string) (listenerSocket, error) {
	network, target := splitNetworkAddr(addr)
	switch network {
	case "tcp":
		return listenTCP(target)
	case "unix":
		return listenUnix(target)
	default:
		return listenerSocket{}, fmt.Errorf("httpring: unsupported network %q", network)
	}
}

func splitNetworkAddr(addr string) (network, target string) {
	if i := strings.Index(addr, "://"); i >= 0 {
		return addr[:i], addr[i+3:]
	}
	return "tcp", addr
}

func listenTCP(hostport string) (listenerSocket, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return listenerSocket{}, fmt.Errorf("httpring: invalid tcp address %q: %w", hostport, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return listenerSocket{}, fmt.Errorf("httpring: invalid tcp port %q: %w", portStr, err)
	}

	ip := net.ParseIP(host)
	if host == "" {
		ip = net.IPv4zero
	} else if ip == nil {
		return listenerSocket{}, fmt.Errorf("httpring: invalid tcp host %q", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return listenerSocket{}, fmt.Errorf("httpring: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return listenerSocket{}, fmt.Errorf("httpring: setsockopt SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return listenerSocket{}, fmt.Errorf("httpring: bind %s: %w", hostport, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return listenerSocket{}, fmt.Errorf("httpring: listen %s: %w", hostport, err)
	}

	actualPort := port
	if sockname, err := unix.Getsockname(fd); err == nil {
		if v4, ok := sockname.(*unix.SockaddrInet4); ok {
			actualPort = v4.Port
		}
	}

	return listenerSocket{fd: fd, addr: fmt.Sprintf("tcp://%s:%d", host, actualPort)}, nil
}

func listenUnix(path string) (listenerSocket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return listenerSocket{}, fmt.Errorf("httpring: socket: %w", err)
	}
	unix.Unlink(path)
	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return listenerSocket{}, fmt.Errorf("httpring: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return listenerSocket{}, fmt.Errorf("httpring: listen %s: %w", path, err)
	}
	return listenerSocket{fd: fd, addr: "unix://" + path}, nil
}
