package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/go-connections/nat"

	"github.com/fgrehm/cribd/internal/driver"
)

// FindContainer locates a container by workspace ID. The workspace label is
// tried first; containers created before labels existed are matched by name.
// Skips containers in "removing" state.
func (d *Driver) FindContainer(ctx context.Context, workspaceID string) (*driver.ContainerDetails, error) {
	byLabel := filters.NewArgs(filters.Arg("label", driver.LabelWorkspace+"="+workspaceID))
	ids, err := d.listIDs(ctx, byLabel)
	if err != nil {
		return nil, fmt.Errorf("finding container for workspace %s: %w", workspaceID, err)
	}
	if len(ids) == 0 {
		// Name filters are substring matches; anchor them.
		byName := filters.NewArgs(filters.Arg("name", "^/"+workspaceID+"$"))
		ids, err = d.listIDs(ctx, byName)
		if err != nil {
			return nil, fmt.Errorf("finding container for workspace %s: %w", workspaceID, err)
		}
	}

	for _, id := range ids {
		details, err := d.InspectContainer(ctx, id)
		if err != nil {
			if isNotFound(err) {
				// Removed between list and inspect.
				continue
			}
			return nil, fmt.Errorf("inspecting container for workspace %s: %w", workspaceID, err)
		}
		if !details.State.IsRemoving() {
			return details, nil
		}
	}
	return nil, nil
}

// InspectContainer returns fresh details, including the published port table.
func (d *Driver) InspectContainer(ctx context.Context, containerID string) (*driver.ContainerDetails, error) {
	resp, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, mapError(err)
	}
	details := toContainerDetails(resp)
	return &details, nil
}

// ListContainers returns every container carrying the workspace label.
func (d *Driver) ListContainers(ctx context.Context) ([]driver.ContainerDetails, error) {
	ids, err := d.listIDs(ctx, filters.NewArgs(filters.Arg("label", driver.LabelWorkspace)))
	if err != nil {
		return nil, fmt.Errorf("listing workspace containers: %w", err)
	}
	var out []driver.ContainerDetails
	for _, id := range ids {
		details, err := d.InspectContainer(ctx, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, *details)
	}
	return out, nil
}

func (d *Driver) listIDs(ctx context.Context, args filters.Args) ([]string, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, mapError(err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// CreateContainer creates the workspace container named after the workspace
// ID. The workspace label is injected automatically.
func (d *Driver) CreateContainer(ctx context.Context, workspaceID string, opts *driver.RunOptions) (string, error) {
	cfg, hostCfg, err := buildCreateConfig(workspaceID, opts)
	if err != nil {
		return "", err
	}
	d.logger.Debug("create container", "workspace", workspaceID, "image", opts.Image, "ports", len(opts.Ports))

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, workspaceID)
	if err != nil {
		return "", fmt.Errorf("creating container for workspace %s: %w", workspaceID, mapError(err))
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("runtime warning", "workspace", workspaceID, "warning", w)
	}
	return resp.ID, nil
}

// buildCreateConfig translates RunOptions into the Engine API structures.
func buildCreateConfig(workspaceID string, opts *driver.RunOptions) (*container.Config, *container.HostConfig, error) {
	labels := make(map[string]string, len(opts.Labels)+1)
	for k, v := range opts.Labels {
		labels[k] = v
	}
	labels[driver.LabelWorkspace] = workspaceID

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range opts.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %d: %w", p.ContainerPort, err)
		}
		exposed[port] = struct{}{}
		hostPort := ""
		if p.HostPort > 0 {
			hostPort = strconv.Itoa(p.HostPort)
		}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: p.HostIP, HostPort: hostPort})
	}

	useInit := true
	cfg := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		Labels:       labels,
		WorkingDir:   opts.WorkingDir,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Init:         &useInit,
		Resources: container.Resources{
			Memory:   opts.MemoryBytes,
			NanoCPUs: opts.NanoCPUs,
		},
	}
	return cfg, hostCfg, nil
}

// StartContainer starts a created or stopped container.
func (d *Driver) StartContainer(ctx context.Context, containerID string) error {
	return mapError(d.client.ContainerStart(ctx, containerID, container.StartOptions{}))
}

// StopContainer stops a running container with a bounded grace period.
func (d *Driver) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return mapError(d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}))
}

// DeleteContainer removes a container forcefully.
func (d *Driver) DeleteContainer(ctx context.Context, containerID string) error {
	return mapError(d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}))
}

// toContainerDetails converts an inspect response to driver.ContainerDetails.
func toContainerDetails(resp container.InspectResponse) driver.ContainerDetails {
	var d driver.ContainerDetails
	if resp.ContainerJSONBase != nil {
		d.ID = resp.ID
		d.Name = strings.TrimPrefix(resp.Name, "/")
		d.Created = resp.Created
		if resp.State != nil {
			d.State = driver.ContainerState{
				Status:    resp.State.Status,
				StartedAt: resp.State.StartedAt,
			}
		}
	}
	if resp.Config != nil {
		d.Image = resp.Config.Image
		d.Config = driver.ContainerConfig{
			Labels:     resp.Config.Labels,
			WorkingDir: resp.Config.WorkingDir,
		}
	}
	if resp.NetworkSettings != nil {
		d.Ports = portBindings(resp.NetworkSettings.Ports)
	}
	return d
}

// portBindings flattens a nat.PortMap into a sorted binding list.
func portBindings(ports nat.PortMap) []driver.PortBinding {
	var out []driver.PortBinding
	for port, bindings := range ports {
		for _, b := range bindings {
			hostPort, _ := strconv.Atoi(b.HostPort)
			out = append(out, driver.PortBinding{
				ContainerPort: port.Int(),
				HostPort:      hostPort,
				HostIP:        b.HostIP,
				Protocol:      port.Proto(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContainerPort != out[j].ContainerPort {
			return out[i].ContainerPort < out[j].ContainerPort
		}
		return out[i].HostIP < out[j].HostIP
	})
	return out
}
