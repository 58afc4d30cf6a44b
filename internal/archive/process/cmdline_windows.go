//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// setRawCommandLine hands cmd.exe the line verbatim. The default argument
// escaping targets CommandLineToArgvW, which cmd.exe does not use.
func setRawCommandLine(cmd *exec.Cmd, shell, flag, line string) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CmdLine = shell + " /s " + flag + ` "` + line + `"`
}
