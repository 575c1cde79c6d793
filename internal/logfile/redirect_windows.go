//go:build windows

package logfile

import "fmt"

// RedirectStdoutStderr is unsupported on Windows; descriptor duplication
// has no direct equivalent there.
func RedirectStdoutStderr(string) error {
	return fmt.Errorf("log file redirect not supported on windows")
}
