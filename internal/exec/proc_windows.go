//go:build windows

package exec

import osexec "os/exec"

func setProcessGroup(cmd *osexec.Cmd) {}

func killProcessGroup(cmd *osexec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
