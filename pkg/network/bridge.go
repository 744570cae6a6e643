package network

import (
	"fmt"
	"os/exec"
	"strings"
)

// EnsureBridge makes sure a Linux bridge device named name exists,
// creating it if absent. containerd has no Docker-style named-network
// object of its own, so the Executor's "ensure network exists" step
// (container boot sequence, startup) is implemented directly against
// the host's network stack instead of a runtime API call.
func EnsureBridge(name string) error {
	exists, err := bridgeExists(name)
	if err != nil {
		return fmt.Errorf("checking bridge %s: %w", name, err)
	}
	if exists {
		return nil
	}

	if err := run("ip", "link", "add", "name", name, "type", "bridge"); err != nil {
		return fmt.Errorf("creating bridge %s: %w", name, err)
	}
	if err := run("ip", "link", "set", name, "up"); err != nil {
		return fmt.Errorf("bringing up bridge %s: %w", name, err)
	}
	return nil
}

func bridgeExists(name string) (bool, error) {
	cmd := exec.Command("ip", "link", "show", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "does not exist") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, string(output))
	}
	return nil
}
