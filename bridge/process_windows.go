//go:build windows

package bridge

import (
	"os"
	"os/exec"

	"github.com/m4xw311/qodo-acp/errors"
)

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
