//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// setProcGroup gives the child its own process group so signals reach the
// whole tree, including docker clients and simulator pipelines.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree signals the child's process group, falling back to the child
// itself if the group is already gone.
func killTree(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}
