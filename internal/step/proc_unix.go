//go:build !windows

package step

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

const (
	scriptExt     = ".sh"
	lineSeparator = "\n"
)

// scriptCommand runs the script directly when it names its own interpreter, otherwise with sh
func scriptCommand(path, code string) *exec.Cmd {
	if strings.HasPrefix(code, "#!") {
		return exec.Command(path)
	}
	return exec.Command("/bin/sh", path)
}

// setProcessGroup starts the script in its own process group so that killing it also kills
// everything it spawned
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return p.Kill()
}
