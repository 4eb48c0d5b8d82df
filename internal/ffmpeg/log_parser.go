package ffmpeg

import (
	"strings"
	"syscall"
)

// ParseLogLevel extracts the log level from ffmpeg output.
// With -loglevel level+info ffmpeg prints "[info] message" or
// "[component @ 0x...] [level] message". The level is stripped and the
// component kept.
func ParseLogLevel(line string) (level, msg string) {
	if len(line) < 3 || line[0] != '[' {
		return "info", line
	}

	end := strings.Index(line, "] ")
	if end == -1 {
		return "info", line
	}

	if bracket := line[1:end]; isLogLevel(bracket) {
		return bracket, line[end+2:]
	}

	component := line[:end+2]
	rest := line[end+2:]
	if len(rest) > 2 && rest[0] == '[' {
		if nextEnd := strings.Index(rest, "] "); nextEnd != -1 {
			if next := rest[1:nextEnd]; isLogLevel(next) {
				return next, component + rest[nextEnd+2:]
			}
		}
	}

	return "info", line
}

func isLogLevel(s string) bool {
	switch s {
	case "quiet", "panic", "fatal", "error", "warning", "info", "verbose", "debug", "trace":
		return true
	}
	return false
}

// strerror texts ffmpeg prints for device failures.
var errnoMessages = []struct {
	text  string
	errno syscall.Errno
}{
	{"Device or resource busy", syscall.EBUSY},
	{"Permission denied", syscall.EACCES},
	{"Operation not permitted", syscall.EPERM},
	{"No such device", syscall.ENODEV},
	{"No such file or directory", syscall.ENOENT},
	{"No space left on device", syscall.ENOSPC},
	{"Too many open files", syscall.EMFILE},
}

// StderrErrno scans ffmpeg stderr lines, newest first, for a system error
// message and returns the matching errno.
func StderrErrno(lines []string) (syscall.Errno, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		for _, m := range errnoMessages {
			if strings.Contains(lines[i], m.text) {
				return m.errno, true
			}
		}
	}
	return 0, false
}
