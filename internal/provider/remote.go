package provider

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"benchfleet/internal/control"
	"benchfleet/internal/logging"

	"go.uber.org/zap"
)

const (
	bootTimeout    = 5 * time.Minute
	sshDialTimeout = 30 * time.Second

	warmUpScriptPath = "/tmp/benchfleet-warmup.sh"
)

// warmUpScript burns CPU long enough to exhaust burst credits, so cold-start
// boosts do not skew the first benchmark measurements.
const warmUpScript = `#!/bin/sh
end=$(( $(date +%s) + 60 ))
while [ "$(date +%s)" -lt "$end" ]; do :; done
`

// RemoteVM carries the SSH-backed half of the VirtualMachine contract: boot
// wait, package refresh, warm-up, and the pending disk-spec list. Provider
// bindings embed it and fill in Name/IP after Create.
type RemoteVM struct {
	Name string
	IP   string
	SSH  SSHIdentity

	mu    sync.Mutex
	ctrl  control.Controller
	disks []DiskSpec
}

// controller returns the memoized SSH controller, dialing on first use.
func (r *RemoteVM) controller() (control.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctrl != nil {
		return r.ctrl, nil
	}
	if r.IP == "" {
		return nil, fmt.Errorf("machine %s has no IP address yet", r.Name)
	}

	ctrl, err := control.NewController(control.Config{
		Host:         r.IP,
		User:         r.SSH.User,
		PrivateKey:   r.SSH.PrivateKey,
		Timeout:      bootTimeout,
		SSHTimeout:   sshDialTimeout,
		InstanceName: r.Name,
	})
	if err != nil {
		return nil, err
	}
	r.ctrl = ctrl
	return ctrl, nil
}

// CloseController drops the cached SSH connection, if any.
func (r *RemoteVM) CloseController() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctrl != nil {
		if err := r.ctrl.Close(); err != nil {
			logging.Logger().Warn("failed to close controller",
				zap.String("instance", r.Name),
				zap.Error(err))
		}
		r.ctrl = nil
	}
}

// RunCommand executes a shell command on the machine.
func (r *RemoteVM) RunCommand(command string) error {
	ctrl, err := r.controller()
	if err != nil {
		return err
	}
	return ctrl.Run(command)
}

// WaitForBootCompletion blocks until the machine accepts SSH logins.
func (r *RemoteVM) WaitForBootCompletion(ctx context.Context) error {
	if r.IP == "" {
		return fmt.Errorf("machine %s has no IP address yet", r.Name)
	}
	if err := control.WaitForSSH(r.IP, bootTimeout); err != nil {
		return fmt.Errorf("boot wait for %s: %w", r.Name, err)
	}
	// A successful trivial command means sshd accepts our key, not just the port.
	return r.RunCommand("true")
}

// RefreshPackageIndex updates the OS package index.
func (r *RemoteVM) RefreshPackageIndex(ctx context.Context) error {
	return r.RunCommand("sudo apt-get update")
}

// WarmUpCPU uploads and runs a fixed CPU load.
func (r *RemoteVM) WarmUpCPU(ctx context.Context) error {
	ctrl, err := r.controller()
	if err != nil {
		return err
	}

	file, err := ctrl.OpenFile(warmUpScriptPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to upload warm-up script: %w", err)
	}
	if _, err := file.Write([]byte(warmUpScript)); err != nil {
		file.Close()
		return fmt.Errorf("failed to write warm-up script: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close warm-up script: %w", err)
	}

	logging.Logger().Info("running CPU warm-up load",
		zap.String("instance", r.Name),
		zap.String("script", warmUpScriptPath))

	return ctrl.Run(fmt.Sprintf("sh %s", warmUpScriptPath))
}

// FormatAndMountDisk prepares an attached block device at the mount point.
func (r *RemoteVM) FormatAndMountDisk(device, mountPoint string) error {
	cmds := []string{
		fmt.Sprintf("sudo mkfs.ext4 -F %s", device),
		fmt.Sprintf("sudo mkdir -p %s", mountPoint),
		fmt.Sprintf("sudo mount %s %s", device, mountPoint),
		fmt.Sprintf("sudo chmod a+w %s", mountPoint),
	}
	for _, cmd := range cmds {
		if err := r.RunCommand(cmd); err != nil {
			return fmt.Errorf("failed to run %q: %w", cmd, err)
		}
	}
	return nil
}

// IPAddress returns the machine's public address, empty before creation.
func (r *RemoteVM) IPAddress() string {
	return r.IP
}

// DiskSpecs returns the pending scratch-disk specifications.
func (r *RemoteVM) DiskSpecs() []DiskSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DiskSpec(nil), r.disks...)
}

// AddDiskSpec queues a scratch disk to be created during preparation.
func (r *RemoteVM) AddDiskSpec(spec DiskSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disks = append(r.disks, spec)
}
