package network

import (
	"fmt"
	"os/exec"
)

// HostPortPublisher sets up and tears down the iptables DNAT rules that
// bind a reserved host port to a container's internal port. The
// Executor is the only caller; one publisher instance is reused across
// every job it runs.
type HostPortPublisher struct {
	published map[string]publishedPort // containerName -> port info
}

type publishedPort struct {
	containerIP   string
	hostPort      int
	containerPort uint16
}

// NewHostPortPublisher creates an empty publisher.
func NewHostPortPublisher() *HostPortPublisher {
	return &HostPortPublisher{published: make(map[string]publishedPort)}
}

// Publish forwards hostPort on 0.0.0.0 to containerIP:containerPort over
// tcp and records the mapping so Unpublish can reverse it later.
func (p *HostPortPublisher) Publish(containerName, containerIP string, hostPort int, containerPort uint16) error {
	if err := p.addRules(containerIP, hostPort, containerPort); err != nil {
		return fmt.Errorf("publishing host port %d for %s: %w", hostPort, containerName, err)
	}
	p.published[containerName] = publishedPort{containerIP: containerIP, hostPort: hostPort, containerPort: containerPort}
	return nil
}

// Unpublish removes the rules installed by Publish for containerName. It
// is a no-op if nothing was published for that name (the Executor tolerates
// Stop/Remove being issued more than once).
func (p *HostPortPublisher) Unpublish(containerName string) {
	port, ok := p.published[containerName]
	if !ok {
		return
	}
	p.removeRules(port.containerIP, port.hostPort, port.containerPort)
	delete(p.published, containerName)
}

func (p *HostPortPublisher) addRules(containerIP string, hostPort int, containerPort uint16) error {
	dnat := []string{
		"-t", "nat", "-A", "PREROUTING",
		"-p", "tcp", "--dport", fmt.Sprintf("%d", hostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", containerIP, containerPort),
	}
	if err := runIPTables(dnat); err != nil {
		return fmt.Errorf("adding DNAT rule: %w", err)
	}

	masq := []string{
		"-t", "nat", "-A", "POSTROUTING",
		"-p", "tcp", "-d", containerIP, "--dport", fmt.Sprintf("%d", containerPort),
		"-j", "MASQUERADE",
	}
	if err := runIPTables(masq); err != nil {
		p.removeRules(containerIP, hostPort, containerPort)
		return fmt.Errorf("adding MASQUERADE rule: %w", err)
	}

	forward := []string{
		"-A", "FORWARD",
		"-p", "tcp", "-d", containerIP, "--dport", fmt.Sprintf("%d", containerPort),
		"-j", "ACCEPT",
	}
	if err := runIPTables(forward); err != nil {
		p.removeRules(containerIP, hostPort, containerPort)
		return fmt.Errorf("adding FORWARD rule: %w", err)
	}

	return nil
}

func (p *HostPortPublisher) removeRules(containerIP string, hostPort int, containerPort uint16) {
	runIPTables([]string{
		"-t", "nat", "-D", "PREROUTING",
		"-p", "tcp", "--dport", fmt.Sprintf("%d", hostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", containerIP, containerPort),
	})
	runIPTables([]string{
		"-t", "nat", "-D", "POSTROUTING",
		"-p", "tcp", "-d", containerIP, "--dport", fmt.Sprintf("%d", containerPort),
		"-j", "MASQUERADE",
	})
	runIPTables([]string{
		"-D", "FORWARD",
		"-p", "tcp", "-d", containerIP, "--dport", fmt.Sprintf("%d", containerPort),
		"-j", "ACCEPT",
	})
}

func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables failed: %w (output: %s)", err, string(output))
	}
	return nil
}
