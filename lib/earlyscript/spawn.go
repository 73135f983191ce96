package earlyscript

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecSpawner runs programs through os/exec.
type ExecSpawner struct {
	Env []string
}

func (s ExecSpawner) Run(argv []string) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = s.Env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		// The program could not be executed; same as a child failing execve.
		return ExecFailed, nil
	}
	err := cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitStatus(exitErr.Sys().(syscall.WaitStatus)), nil
	default:
		return -1, err
	}
}

// RawSpawner forks and executes with raw system calls and reaps the child
// with wait4. It needs nothing beyond the kernel; the system call numbers
// are those of the build's GOARCH.
type RawSpawner struct {
	Env []string
}

func (s RawSpawner) Run(argv []string) (int, error) {
	pid, err := syscall.ForkExec(argv[0], argv, &syscall.ProcAttr{
		Env:   s.Env,
		Files: []uintptr{0, 1, 2},
	})
	if err != nil {
		// ForkExec reports a failed execve in the child as an error here.
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOMEM) {
			return -1, err
		}
		return ExecFailed, nil
	}

	var ws unix.WaitStatus
	for {
		_, err = unix.Wait4(pid, &ws, 0, nil)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return -1, err
	}
	if ws.Exited() {
		return ws.ExitStatus(), nil
	}
	return -1, nil
}

func exitStatus(ws syscall.WaitStatus) int {
	if ws.Exited() {
		return ws.ExitStatus()
	}
	return -1
}
