package container

import (
	"context"
	"fmt"
	"net"
)

// PortAllocator picks host ports for a container's published block.
type PortAllocator interface {
	// Allocate returns n host ports. A zero entry lets the runtime choose.
	Allocate(ctx context.Context, n int) ([]int, error)
}

// HostPortAllocator asks the host kernel for free ports by binding port 0.
// All n listeners are held open together so the ports are distinct, then
// released for the runtime to bind.
type HostPortAllocator struct {
	// Host is the interface to probe, "" for all interfaces.
	Host string
}

func (a HostPortAllocator) Allocate(ctx context.Context, n int) ([]int, error) {
	var lc net.ListenConfig
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := lc.Listen(ctx, "tcp", net.JoinHostPort(a.Host, "0"))
		if err != nil {
			return nil, fmt.Errorf("finding free host port: %w", err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// RuntimeAllocator leaves host port selection to the container runtime.
type RuntimeAllocator struct{}

func (RuntimeAllocator) Allocate(_ context.Context, n int) ([]int, error) {
	return make([]int, n), nil
}
