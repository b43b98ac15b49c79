//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
	"time"
)

func killProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 2 * time.Second
}

func maxRSSBytes(_ *os.ProcessState) int64 {
	return 0
}
