package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestApplyBuildSettings(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0a1b2c3"},
		{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	var stamped Info
	applyBuildSettings(&stamped, settings)
	if stamped.GitCommit != "0a1b2c3" || stamped.BuildDate != "2026-10-01T12:00:00Z" || !stamped.Modified {
		t.Errorf("info = %+v", stamped)
	}

	linked := Info{GitCommit: "release", BuildDate: "today"}
	applyBuildSettings(&linked, settings)
	if linked.GitCommit != "release" || linked.BuildDate != "today" {
		t.Errorf("link-time values overwritten: %+v", linked)
	}
}

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version || info.GoVersion == "" || !strings.Contains(info.Platform, "/") {
		t.Errorf("info = %+v", info)
	}
	if info.GitCommit == "" || info.BuildDate == "" {
		t.Errorf("empty build stamp: %+v", info)
	}
	if got := UserAgent(); got != "camnode/"+Version {
		t.Errorf("UserAgent() = %q", got)
	}
}
