//go:build linux

package hotplug

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		ok        bool
		action    string
		subsystem string
		node      string
	}{
		{"empty", "", false, "", "", ""},
		{"no separator", "garbage", false, "", "", ""},
		{"missing action", "@/devices/foo", false, "", "", ""},
		{"missing path", "add@", false, "", "", ""},
		{
			"video remove",
			"remove@/devices/pci0000:00/usb1/1-1/video4linux/video0\x00ACTION=remove\x00SUBSYSTEM=video4linux\x00DEVNAME=video0\x00MAJOR=81\x00",
			true, "remove", "video4linux", "/dev/video0",
		},
		{
			"usb add without node",
			"add@/devices/usb/1-1\x00SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00",
			true, "add", "usb", "",
		},
		{
			"nested node",
			"add@/devices/sound/card1/pcmC1D0c\x00SUBSYSTEM=sound\x00DEVNAME=snd/pcmC1D0c\x00",
			true, "add", "sound", "/dev/snd/pcmC1D0c",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Parse([]byte(tt.msg))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if ev.Action != tt.action || ev.Subsystem != tt.subsystem || ev.Node() != tt.node {
				t.Errorf("event = %+v node %q", ev, ev.Node())
			}
		})
	}
}

func TestParseKeepsEnvironment(t *testing.T) {
	ev, ok := Parse([]byte("change@/devices/x\x00SUBSYSTEM=video4linux\x00ID_MODEL=C920\x00BROKEN\x00=novalue\x00"))
	if !ok {
		t.Fatal("not parsed")
	}
	if ev.Env["ID_MODEL"] != "C920" || len(ev.Env) != 2 {
		t.Errorf("env = %v", ev.Env)
	}
}

func TestMonitorFilter(t *testing.T) {
	tests := []struct {
		subsystems []string
		event      string
		want       bool
	}{
		{nil, "usb", true},
		{[]string{SubsystemVideo4Linux}, "video4linux", true},
		{[]string{SubsystemVideo4Linux}, "sound", false},
		{[]string{SubsystemVideo4Linux, SubsystemSound}, "sound", true},
	}
	for _, tt := range tests {
		m := &Monitor{subsystems: map[string]bool{}}
		for _, s := range tt.subsystems {
			m.subsystems[s] = true
		}
		if got := m.wants(Event{Subsystem: tt.event}); got != tt.want {
			t.Errorf("filter %v on %q = %v, want %v", tt.subsystems, tt.event, got, tt.want)
		}
	}
}
