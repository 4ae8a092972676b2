//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTree signals the whole process group led by p, falling back to p
// alone when the group is already gone.
func signalTree(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return p.Signal(sig)
	}
	return nil
}

func terminateTree(p *os.Process) error {
	return signalTree(p, syscall.SIGTERM)
}

func killTree(p *os.Process) error {
	return signalTree(p, syscall.SIGKILL)
}
