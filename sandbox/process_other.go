//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error { return cmd.Process.Kill() }
}

func killProcessGroup(int) {}

func killedBySignal(st *os.ProcessState) bool {
	return !st.Exited()
}
