//go:build !windows

package process

import "os/exec"

func setRawCommandLine(*exec.Cmd, string, string, string) {}
