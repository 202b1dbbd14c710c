//go:build windows

package step

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

const (
	scriptExt     = ".bat"
	lineSeparator = "\r\n"
)

func scriptCommand(path, _ string) *exec.Cmd {
	return exec.Command("cmd.exe", "/C", path)
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// killTreeCommand kills pid and every process it started
func killTreeCommand(pid int) *exec.Cmd {
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
}

// killProcess kills the script's whole tree. cmd.exe does not pass a kill on to its children, so
// killing only the script would leave them holding the output pipe.
func killProcess(p *os.Process) error {
	if err := killTreeCommand(p.Pid).Run(); err == nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
