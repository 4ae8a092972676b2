//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

// setProcGroup is a no-op on Windows; process groups are managed differently.
func setProcGroup(_ *exec.Cmd) {}

// terminateTree kills p. Windows has no SIGTERM for console-less children.
func terminateTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func killTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
