package socket

import (
	"strings"

	"github.com/mitchellh/go-ps"
)

var _ ProcessChecker = (*DefaultProcessChecker)(nil)

// ProcessChecker reports whether a named process is alive. The client side
// uses it to tell a down scryd apart from a stale socket file.
type ProcessChecker interface {
	IsRunning(name string) bool
}

// DefaultProcessChecker scans the process table via go-ps.
type DefaultProcessChecker struct{}

// IsRunning reports whether any running executable starts with name,
// compared case-insensitively. The prefix match tolerates platform suffixes
// on the executable name; enumeration errors read as not running.
func (pc *DefaultProcessChecker) IsRunning(name string) bool {
	procs, err := ps.Processes()
	if err != nil {
		return false
	}
	for _, proc := range procs {
		exe := proc.Executable()
		if len(exe) < len(name) {
			continue
		}
		if strings.EqualFold(exe[:len(name)], name) {
			return true
		}
	}
	return false
}
