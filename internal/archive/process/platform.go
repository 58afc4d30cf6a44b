// Package process extracts archives by running an external 7-Zip compatible
// archiver through the platform shell.
package process

import (
	"fmt"
	"strings"
)

// PlatformStrategy describes how command lines are run on one platform.
type PlatformStrategy interface {
	Name() string
	Supported() bool
	// Shell returns the interpreter and the flag that makes it run a single
	// command line.
	Shell() (string, string)
	// Quote wraps an argument in double quotes, the form the archiver
	// command lines use.
	Quote(arg string) (string, error)
	// Pipeline joins two command lines so that the first one's stdout feeds
	// the second and a failure of either stage fails the whole line.
	// marker is a quoted scratch path for shells that need one.
	Pipeline(first, second, marker string) string
}

type posixShell struct{}

func (posixShell) Name() string            { return "posix" }
func (posixShell) Supported() bool         { return true }
func (posixShell) Shell() (string, string) { return "/bin/bash", "-c" }

var posixEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")

func (posixShell) Quote(arg string) (string, error) {
	if strings.ContainsRune(arg, 0) {
		return "", fmt.Errorf("argument contains a NUL byte")
	}
	return `"` + posixEscaper.Replace(arg) + `"`, nil
}

func (posixShell) Pipeline(first, second, _ string) string {
	return "set -o pipefail; " + first + " | " + second
}

type windowsShell struct{}

func (windowsShell) Name() string            { return "windows" }
func (windowsShell) Supported() bool         { return true }
func (windowsShell) Shell() (string, string) { return "cmd.exe", "/c" }

// cmd.exe has no escape for a double quote inside a quoted argument.
func (windowsShell) Quote(arg string) (string, error) {
	if strings.ContainsAny(arg, "\"\x00\r\n") {
		return "", fmt.Errorf("argument %q cannot be quoted for cmd.exe", arg)
	}
	return `"` + arg + `"`, nil
}

// cmd.exe reports only the last stage's status, so a failing first stage
// leaves a marker file that turns into exit status 2.
func (windowsShell) Pipeline(first, second, marker string) string {
	return fmt.Sprintf("(%s || type nul > %s) | %s & if exist %s (del %s & exit /b 2)",
		first, marker, second, marker, marker)
}

type unsupported struct {
	goos string
}

func (u unsupported) Name() string          { return "unsupported(" + u.goos + ")" }
func (unsupported) Supported() bool         { return false }
func (unsupported) Shell() (string, string) { return "", "" }
func (u unsupported) Quote(string) (string, error) {
	return "", fmt.Errorf("no shell on %s", u.goos)
}
func (unsupported) Pipeline(string, string, string) string { return "" }

var (
	PosixShell   PlatformStrategy = posixShell{}
	WindowsShell PlatformStrategy = windowsShell{}
)

// ForOS picks the strategy for a runtime.GOOS value.
func ForOS(goos string) PlatformStrategy {
	switch goos {
	case "windows":
		return WindowsShell
	case "linux", "darwin", "freebsd", "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		return PosixShell
	default:
		return unsupported{goos: goos}
	}
}

// Unsupported returns the strategy used where no shell is available.
func Unsupported(goos string) PlatformStrategy {
	return unsupported{goos: goos}
}
