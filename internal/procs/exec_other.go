//go:build !unix

package procs

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

// No portable graceful signal exists here; terminate is a kill.
func terminate(p *os.Process) error {
	return p.Kill()
}

func signalName(ps *os.ProcessState) string {
	return ""
}
