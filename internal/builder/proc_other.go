//go:build !unix

package builder

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
