// Package runtime defines the container-runtime client the Executor
// depends on and a containerd-backed implementation of it.
package runtime

import "context"

// ContainerSpec describes everything the Executor needs to create a
// container for a job.
type ContainerSpec struct {
	Name          string
	Image         string
	Command       []string
	Env           []string
	ContainerPort uint16
	ExtraHosts    []string
	NetworkName   string
	Labels        map[string]string
}

// Runtime is the set of container-lifecycle operations the Executor
// depends on (§6.2). Any client implementing these can be substituted;
// ContainerdRuntime is the one shipped here.
type Runtime interface {
	// EnsureNetwork creates the named bridge network if it does not
	// already exist.
	EnsureNetwork(ctx context.Context, name string) error
	// ImageExists reports whether image is already present locally.
	ImageExists(ctx context.Context, image string) (bool, error)
	// PullImage pulls image from its registry.
	PullImage(ctx context.Context, image string) error
	// CreateContainer creates (but does not start) a container from spec.
	CreateContainer(ctx context.Context, spec ContainerSpec) error
	// StartContainer starts a previously created container and returns
	// its internal IP address on the configured network, for host-port
	// publishing.
	StartContainer(ctx context.Context, name string) (containerIP string, err error)
	// StopContainer stops name with the given grace timeout (0 = no
	// grace, SIGKILL immediately). Not finding the container is not an
	// error (idempotent cleanup).
	StopContainer(ctx context.Context, name string, timeout int) error
	// RemoveContainer deletes name and its snapshot. Not finding the
	// container is not an error.
	RemoveContainer(ctx context.Context, name string) error
}
