package driver

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Label keys attached to every workspace container.
const (
	LabelWorkspace = "cribd.workspace"
	LabelName      = "cribd.name"
	LabelTemplate  = "cribd.template"
)

// ContainerDetails describes a running or stopped container.
type ContainerDetails struct {
	ID      string
	Name    string
	Image   string
	Created string
	State   ContainerState
	Config  ContainerConfig
	Ports   []PortBinding
}

// ContainerState holds the runtime state of a container.
type ContainerState struct {
	Status    string
	StartedAt string
}

// IsRunning reports whether the container is in the running state.
func (s ContainerState) IsRunning() bool {
	return strings.EqualFold(s.Status, "running")
}

// IsRemoving reports whether the container is in the process of being removed.
func (s ContainerState) IsRemoving() bool {
	return strings.EqualFold(s.Status, "removing")
}

// ContainerConfig holds container configuration metadata.
type ContainerConfig struct {
	Labels     map[string]string
	WorkingDir string
}

// PortBinding is one row of the runtime's published port table.
type PortBinding struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	HostIP        string `json:"hostIp,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
}

// String formats the binding the way `docker port` does.
func (p PortBinding) String() string {
	ip := p.HostIP
	if ip == "" {
		ip = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d->%d/%s", ip, p.HostPort, p.ContainerPort, p.protocol())
}

func (p PortBinding) protocol() string {
	if p.Protocol == "" {
		return "tcp"
	}
	return p.Protocol
}

// HostPortFor returns the host binding for a container port. The second
// result is false when the port is not published.
func (d *ContainerDetails) HostPortFor(containerPort int) (PortBinding, bool) {
	for _, p := range d.Ports {
		if p.ContainerPort == containerPort && p.HostPort != 0 {
			return p, true
		}
	}
	return PortBinding{}, false
}

// HasPublishedPorts reports whether any container port is bound on the host.
func (d *ContainerDetails) HasPublishedPorts() bool {
	for _, p := range d.Ports {
		if p.HostPort != 0 {
			return true
		}
	}
	return false
}

// RunOptions holds parameters for creating a workspace container.
type RunOptions struct {
	Image      string
	Cmd        []string
	Env        []string
	Labels     map[string]string
	WorkingDir string
	Ports      []PortBinding

	// MemoryBytes and NanoCPUs are the resource ceiling; zero means unlimited.
	MemoryBytes int64
	NanoCPUs    int64
}

// ExecOptions holds parameters for a single exec session.
type ExecOptions struct {
	Cmd        []string
	WorkingDir string
	Env        []string
	User       string
}

// ExecSession is a started exec. Stream carries stdout and stderr frames
// interleaved, each prefixed by the runtime's 8-byte header.
type ExecSession struct {
	ID     string
	Stream io.ReadCloser

	// ExitCode reports the command's exit status once Stream is drained.
	ExitCode func(ctx context.Context) (int, error)
}
