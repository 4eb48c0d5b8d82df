//go:build linux

// Package hotplug receives kernel device uevents over a netlink socket,
// without cgo or udev.
package hotplug

import (
	"bytes"
	"context"
	"errors"
	"path"

	"golang.org/x/sys/unix"
)

// Actions reported by the kernel.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
)

// Subsystems of interest.
const (
	SubsystemVideo4Linux = "video4linux"
	SubsystemSound       = "sound"
)

const (
	kernelGroup  = 1
	pollInterval = 1000 // ms
	maxMessage   = 8192
)

// Event is one kernel uevent.
type Event struct {
	Action    string
	SysPath   string // kernel object path, /devices/...
	Subsystem string
	DevName   string // node name relative to /dev, e.g. video0
	Env       map[string]string
}

// Node returns the device node of the event, "" when it has none.
func (e Event) Node() string {
	if e.DevName == "" {
		return ""
	}
	return path.Join("/dev", e.DevName)
}

// Monitor is a netlink listener for kernel uevents.
type Monitor struct {
	fd         int
	subsystems map[string]bool
}

// Listen opens a monitor that reports events of the given subsystems, or
// all events when none are given.
func Listen(subsystems ...string) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	m := &Monitor{fd: fd, subsystems: make(map[string]bool, len(subsystems))}
	for _, s := range subsystems {
		m.subsystems[s] = true
	}
	return m, nil
}

// Close releases the socket. Call it after Run has returned.
func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

func (m *Monitor) wants(e Event) bool {
	return len(m.subsystems) == 0 || m.subsystems[e.Subsystem]
}

// Run delivers events to out until ctx is done or the socket fails. out is
// closed when Run returns.
func (m *Monitor) Run(ctx context.Context, out chan<- Event) error {
	defer close(out)
	buf := make([]byte, maxMessage)
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollInterval)
		if errors.Is(err, unix.EINTR) || n == 0 {
			continue
		}
		if err != nil {
			return err
		}
		n, _, err = unix.Recvfrom(m.fd, buf, 0)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		ev, ok := Parse(buf[:n])
		if !ok || !m.wants(ev) {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Parse decodes a kernel uevent, "ACTION@PATH\0KEY=VALUE\0...".
func Parse(msg []byte) (Event, bool) {
	parts := bytes.Split(msg, []byte{0})
	action, sysPath, ok := bytes.Cut(parts[0], []byte("@"))
	if !ok || len(action) == 0 || len(sysPath) == 0 {
		return Event{}, false
	}
	ev := Event{
		Action:  string(action),
		SysPath: string(sysPath),
		Env:     make(map[string]string, len(parts)-1),
	}
	for _, kv := range parts[1:] {
		key, value, ok := bytes.Cut(kv, []byte("="))
		if !ok || len(key) == 0 {
			continue
		}
		ev.Env[string(key)] = string(value)
	}
	ev.Subsystem = ev.Env["SUBSYSTEM"]
	ev.DevName = ev.Env["DEVNAME"]
	return ev, true
}
