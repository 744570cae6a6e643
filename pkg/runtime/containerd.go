package runtime

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/willdady/foreman/pkg/network"
)

const (
	// DefaultNamespace is the containerd namespace the agent operates in.
	DefaultNamespace = "foreman"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Runtime against a containerd daemon.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to the containerd socket at socketPath
// (DefaultSocketPath if empty).
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd: %w", err)
	}

	return &ContainerdRuntime{client: client, namespace: DefaultNamespace}, nil
}

// Close closes the underlying containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) EnsureNetwork(ctx context.Context, name string) error {
	return network.EnsureBridge(name)
}

func (r *ContainerdRuntime) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	_, err := r.client.GetImage(ctx, imageRef)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking image %s: %w", imageRef, err)
}

func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageRef, err)
	}
	return nil
}

func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("getting image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostname(spec.Name),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if len(spec.ExtraHosts) > 0 {
		opts = append(opts, withExtraHosts(spec.ExtraHosts))
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels["managed-by"] = "foreman"

	if _, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	); err != nil {
		return fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	return nil
}

func (r *ContainerdRuntime) StartContainer(ctx context.Context, name string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return "", fmt.Errorf("loading container %s: %w", name, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("creating task for %s: %w", name, err)
	}

	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("starting task for %s: %w", name, err)
	}

	ip, err := containerIP(ctx, task.Pid())
	if err != nil {
		return "", fmt.Errorf("resolving container IP for %s: %w", name, err)
	}
	return ip, nil
}

func (r *ContainerdRuntime) StopContainer(ctx context.Context, name string, timeout int) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is already stopped/never started.
		return nil
	}

	grace := time.Duration(timeout) * time.Second
	stopCtx, cancel := context.WithTimeout(ctx, grace+5*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to %s: %w", name, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("waiting on task for %s: %w", name, err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, grace)
	defer waitCancel()

	select {
	case <-statusC:
	case <-waitCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force-killing %s: %w", name, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("deleting task for %s: %w", name, err)
	}
	return nil
}

func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading container %s: %w", name, err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("deleting container %s: %w", name, err)
	}
	return nil
}

// withExtraHosts bind-mounts a generated /etc/hosts containing entries
// (each "host:ip") into the container.
func withExtraHosts(entries []string) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, spec *specs.Spec) error {
		path, err := writeHostsFile(entries)
		if err != nil {
			return fmt.Errorf("writing extra-hosts file: %w", err)
		}
		spec.Mounts = append(spec.Mounts, specs.Mount{
			Destination: "/etc/hosts",
			Type:        "bind",
			Source:      path,
			Options:     []string{"rbind", "ro"},
		})
		return nil
	}
}

// writeHostsFile renders "host:ip" entries as /etc/hosts lines in a
// fresh temp file and returns its path.
func writeHostsFile(entries []string) (string, error) {
	f, err := os.CreateTemp("", "foreman-hosts-*")
	if err != nil {
		return "", err
	}
	defer f.Close()

	for _, e := range entries {
		host, ip, ok := strings.Cut(e, ":")
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(f, "%s\t%s\n", ip, host); err != nil {
			return "", err
		}
	}
	return f.Name(), nil
}

// containerIP resolves a running task's IP by inspecting its network
// namespace via nsenter. containerd has no high-level accessor for this.
func containerIP(ctx context.Context, pid uint32) (string, error) {
	if pid == 0 {
		return "", fmt.Errorf("task has no pid")
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("running nsenter: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(fields[1])
		if err != nil {
			return "", fmt.Errorf("parsing address %s: %w", fields[1], err)
		}
		return ip.String(), nil
	}

	return "", fmt.Errorf("no eth0 address found")
}
