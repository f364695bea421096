package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/shared"
	"github.com/basket/go-fleet/internal/telemetry"
)

const (
	containerWorkDir = "/workspace"
	stopTimeoutSec   = 10
	harvestTail      = "200"
)

// ContainerSpec describes one agent container.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	Labels      map[string]string
	Bind        string
	MemoryBytes int64
	NetworkMode string
}

// ContainerInfo is a running agent container.
type ContainerInfo struct {
	ID      string
	Labels  map[string]string
	Created time.Time
}

// Containers is the slice of the docker API the container manager needs.
// Missing containers are not errors for Running, Stop and Remove.
type Containers interface {
	Run(ctx context.Context, spec ContainerSpec) (string, error)
	Running(ctx context.Context, id string) (bool, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, label string) ([]ContainerInfo, error)
	Logs(ctx context.Context, id string) ([]byte, error)
	Close() error
}

type dockerContainers struct {
	client *client.Client
}

func newDockerContainers() (*dockerContainers, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &dockerContainers{client: cli}, nil
}

func (d *dockerContainers) Run(ctx context.Context, spec ContainerSpec) (string, error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: containerWorkDir,
		Labels:     spec.Labels,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: spec.MemoryBytes},
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Binds:       []string{spec.Bind},
	}, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (d *dockerContainers) Running(ctx context.Context, id string) (bool, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running, nil
}

func (d *dockerContainers) Stop(ctx context.Context, id string) error {
	timeout := stopTimeoutSec
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (d *dockerContainers) Remove(ctx context.Context, id string) error {
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (d *dockerContainers) List(ctx context.Context, label string) ([]ContainerInfo, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		out = append(out, ContainerInfo{ID: c.ID, Labels: c.Labels, Created: time.Unix(c.Created, 0).UTC()})
	}
	return out, nil
}

func (d *dockerContainers) Logs(ctx context.Context, id string) ([]byte, error) {
	rc, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: harvestTail})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("read container logs: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *dockerContainers) Close() error {
	return d.client.Close()
}

// Container runs each agent in a docker container labelled with its task id,
// with the task's worktree mounted at /workspace.
type Container struct {
	cfg        Config
	containers Containers
	trees      worktrees
	logger     *slog.Logger
	now        func() time.Time
}

// NewContainer connects to the docker daemon from the environment.
func NewContainer(ctx context.Context, cfg Config) (*Container, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("container mode requires an image")
	}
	d, err := newDockerContainers()
	if err != nil {
		return nil, err
	}
	if _, err := d.client.Ping(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return NewContainerWith(cfg, d), nil
}

func NewContainerWith(cfg Config, containers Containers) *Container {
	cfg.normalize()
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	return &Container{
		cfg:        cfg,
		containers: containers,
		trees:      worktrees{runner: cfg.Runner, repoDir: cfg.RepoDir, root: cfg.WorktreeDir, baseRef: cfg.BaseRef},
		logger:     telemetry.Component(cfg.Logger, "lifecycle"),
		now:        time.Now,
	}
}

func (c *Container) Spawn(ctx context.Context, taskID, branch, agentType, prompt string) (*fleet.AgentHandle, error) {
	command, err := c.cfg.command(agentType)
	if err != nil {
		return nil, err
	}
	path, err := c.trees.add(ctx, taskID, branch)
	if err != nil {
		return nil, err
	}
	if _, err := writeLauncher(path, containerWorkDir, taskID, branch, prompt, command); err != nil {
		_ = c.trees.remove(ctx, path)
		return nil, err
	}
	id, err := c.containers.Run(ctx, ContainerSpec{
		Name:        sessionName(taskID),
		Image:       c.cfg.Image,
		Cmd:         []string{"sh", containerWorkDir + "/.fleet/run.sh"},
		Env:         c.cfg.Env,
		Labels:      map[string]string{LabelTaskID: taskID, LabelBranch: branch},
		Bind:        path + ":" + containerWorkDir,
		MemoryBytes: c.cfg.MemoryMB * 1024 * 1024,
		NetworkMode: c.cfg.NetworkMode,
	})
	if err != nil {
		_ = c.trees.remove(ctx, path)
		return nil, err
	}
	c.logger.Info("agent container started", "task_id", taskID, "container", shortID(id), "agent_type", agentType, "env", redactEnv(c.cfg.Env))
	return &fleet.AgentHandle{
		TaskID:       taskID,
		Branch:       branch,
		WorktreePath: path,
		ProcessRef:   id,
		Mode:         fleet.ModeContainer,
		SpawnedAt:    c.now().UTC(),
	}, nil
}

func (c *Container) IsAlive(ctx context.Context, h *fleet.AgentHandle) (bool, error) {
	return c.containers.Running(ctx, h.ProcessRef)
}

func (c *Container) Kill(ctx context.Context, h *fleet.AgentHandle) error {
	if h == nil || h.ProcessRef == "" {
		return nil
	}
	return c.containers.Stop(ctx, h.ProcessRef)
}

// Cleanup removes the container and the worktree.
func (c *Container) Cleanup(ctx context.Context, h *fleet.AgentHandle) error {
	if h == nil {
		return nil
	}
	var rmErr error
	if h.ProcessRef != "" {
		rmErr = c.containers.Remove(ctx, h.ProcessRef)
	}
	if err := c.trees.remove(ctx, h.WorktreePath); err != nil {
		return err
	}
	return rmErr
}

func (c *Container) ListActive(ctx context.Context) ([]fleet.AgentHandle, error) {
	list, err := c.containers.List(ctx, LabelTaskID)
	if err != nil {
		return nil, err
	}
	out := make([]fleet.AgentHandle, 0, len(list))
	for _, info := range list {
		taskID := info.Labels[LabelTaskID]
		out = append(out, fleet.AgentHandle{
			TaskID:       taskID,
			Branch:       info.Labels[LabelBranch],
			WorktreePath: c.trees.path(taskID),
			ProcessRef:   info.ID,
			Mode:         fleet.ModeContainer,
			SpawnedAt:    info.Created,
		})
	}
	return out, nil
}

// Harvest snapshots the container's recent output into InsightsDir.
func (c *Container) Harvest(ctx context.Context, task fleet.Task) error {
	if c.cfg.InsightsDir == "" || task.ProcessRef == "" {
		return nil
	}
	out, err := c.containers.Logs(ctx, task.ProcessRef)
	if err != nil {
		return err
	}
	return writeInsight(c.cfg.InsightsDir, task.ID, out)
}

func (c *Container) Close() error {
	return c.containers.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// redactEnv renders KEY=VALUE entries for logs with secret-looking values masked.
func redactEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			out = append(out, key)
			continue
		}
		out = append(out, key+"="+shared.RedactEnvValue(key, value))
	}
	return out
}
