package enginedriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// DockerDriver implements Driver over the Docker Engine API. Chosen over a
// containerd client because Docker's HostConfig maps PortBindings,
// Resources, and the security flag set (NoNewPrivileges, ReadonlyRootfs,
// Tmpfs, CapDrop/CapAdd) directly onto what challenge containers need,
// without a separate OCI spec assembly step.
type DockerDriver struct {
	cli *client.Client
}

// NewDockerDriver connects to the Docker daemon using the standard
// environment-derived configuration (DOCKER_HOST, DOCKER_TLS_VERIFY, etc).
func NewDockerDriver() (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerDriver{cli: cli}, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errdefs.IsNotFound(err):
		return &Error{Kind: NotFound, Op: op, Err: err}
	case errdefs.IsConflict(err), errdefs.IsUnavailable(err), errdefs.IsSystem(err):
		return &Error{Kind: Conflict, Op: op, Err: err}
	default:
		return &Error{Kind: Fatal, Op: op, Err: err}
	}
}

func (d *DockerDriver) Create(ctx context.Context, s Spec) (string, error) {
	containerPort, err := nat.NewPort("tcp", strconv.Itoa(s.ContainerPort))
	if err != nil {
		return "", classify("create", err)
	}

	tmpfs := map[string]string{}
	if s.TmpfsEnable {
		tmpfs["/tmp"] = "size=" + s.TmpfsSize
	}

	var capDrop, capAdd []string
	if s.DropAllCaps {
		capDrop = append(capDrop, "ALL")
	}
	if s.CapNetBind {
		capAdd = append(capAdd, "NET_BIND_SERVICE")
	}
	if s.CapChown {
		capAdd = append(capAdd, "CHOWN")
	}

	nanoCPUs := int64(s.CPUCores * 1e9)
	pidsLimit := s.PIDsLimit

	cfg := &container.Config{
		Image:        s.Image,
		Env:          s.Env,
		Labels:       s.Labels,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(s.HostPort)}},
		},
		Resources: container.Resources{
			Memory:     s.MemoryBytes,
			MemorySwap: s.MemorySwapBytes,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pidsLimit,
		},
		SecurityOpt:    securityOpts(s.NoNewPrivileges),
		ReadonlyRootfs: s.ReadOnlyRootfs,
		Tmpfs:          tmpfs,
		CapDrop:        capDrop,
		CapAdd:         capAdd,
		NetworkMode:    container.NetworkMode(s.NetworkName),
		AutoRemove:     false,
	}
	netCfg := &network.NetworkingConfig{}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, s.Name)
	if err != nil {
		return "", classify("create", err)
	}
	return resp.ID, nil
}

func securityOpts(noNewPrivileges bool) []string {
	if noNewPrivileges {
		return []string{"no-new-privileges:true"}
	}
	return nil
}

func (d *DockerDriver) Start(ctx context.Context, id string) error {
	return classify("start", d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (d *DockerDriver) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return classify("stop", d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}))
}

func (d *DockerDriver) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	return classify("remove", err)
}

func (d *DockerDriver) Inspect(ctx context.Context, id string) (Status, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Status{}, classify("inspect", err)
	}
	st := Status{ID: info.ID}
	if info.State != nil {
		st.Running = info.State.Running
		st.State = info.State.Status
	}
	return st, nil
}

func (d *DockerDriver) Logs(ctx context.Context, id string, tailLines int, since time.Time) (string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
	}
	if !since.IsZero() {
		opts.Since = since.Format(time.RFC3339)
	}
	rc, err := d.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", classify("logs", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return "", classify("logs", err)
	}
	return buf.String(), nil
}

// dockerStatsJSON mirrors the subset of the container stats JSON payload
// this driver actually reads; decoding into the full upstream struct isn't
// worth the extra dependency surface for two numbers.
type dockerStatsJSON struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
}

func (r dockerStatsJSON) cpuPercent() float64 {
	cpuDelta := float64(r.CPUStats.CPUUsage.TotalUsage) - float64(r.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(r.CPUStats.SystemUsage) - float64(r.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	cpus := float64(r.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return (cpuDelta / systemDelta) * cpus * 100.0
}

func (d *DockerDriver) Stats(ctx context.Context, id string) (Stats, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return Stats{}, classify("stats", err)
	}
	defer resp.Body.Close()

	var raw dockerStatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, classify("stats", err)
	}
	return Stats{
		CPUPercent:  raw.cpuPercent(),
		MemoryBytes: int64(raw.MemoryStats.Usage),
	}, nil
}

func (d *DockerDriver) List(ctx context.Context, labelKey, labelValue string) ([]Status, error) {
	args := filters.NewArgs()
	if labelKey != "" {
		args.Add("label", fmt.Sprintf("%s=%s", labelKey, labelValue))
	}
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify("list", err)
	}
	out := make([]Status, 0, len(containers))
	for _, c := range containers {
		out = append(out, Status{ID: c.ID, State: c.State, Running: c.State == "running"})
	}
	return out, nil
}
