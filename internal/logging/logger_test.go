package logging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

func resetState() {
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	moduleOutputs = make(map[string]*atomic.Pointer[slog.Handler])
	isInitialized = false
	globalConfig = Config{}
	logBuffer = nil
	logCallback = nil
	mutex.Unlock()
}

func TestModuleLevelOverride(t *testing.T) {
	resetState()
	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"session": "debug",
			"api":     "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"session", true, true, true},
		{"api", false, false, true},
		{"sinks", false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			h := GetLogger(tt.module).Handler()
			ctx := context.Background()
			if got := h.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := h.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}
			if got := h.Enabled(ctx, slog.LevelWarn); got != tt.wantWarn {
				t.Errorf("warn enabled = %v, want %v", got, tt.wantWarn)
			}
		})
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetState()

	before := GetLogger("webrtc")
	derived := before.With("camera_id", "video0")
	if before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger created before Initialize has debug enabled")
	}

	Initialize(Config{Level: "info", Modules: map[string]string{"webrtc": "debug"}})

	if GetLogger("webrtc") != before {
		t.Error("Initialize replaced a cached logger")
	}
	if !before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("cached logger did not pick up the module level")
	}

	derived.Debug("derived before init")
	entries := GetBuffer().ReadAll()
	if len(entries) != 1 {
		t.Fatalf("buffered %d entries", len(entries))
	}
	e := entries[0]
	if e.Module != "webrtc" || e.Attributes["camera_id"] != "video0" || e.Level != "debug" {
		t.Errorf("entry = %+v", e)
	}
}

func TestSetModuleLevel(t *testing.T) {
	resetState()
	Initialize(Config{Level: "warn"})

	logger := GetLogger("pipeline")
	if logger.Handler().Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info enabled at warn")
	}
	if err := SetModuleLevel("pipeline", "debug"); err != nil {
		t.Fatal(err)
	}
	if !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("SetModuleLevel did not apply")
	}
	if got := Levels()["pipeline"]; got != "debug" {
		t.Errorf("Levels()[pipeline] = %q", got)
	}
	if err := SetModuleLevel("pipeline", "loud"); err == nil {
		t.Error("unknown level accepted")
	}
	if mods := Modules(); len(mods) != 1 || mods[0] != "pipeline" {
		t.Errorf("Modules() = %v", mods)
	}
}

func TestBufferCallback(t *testing.T) {
	resetState()
	Initialize(Config{Level: "debug"})

	var got []LogEntry
	SetLogCallback(func(e LogEntry) { got = append(got, e) })
	defer SetLogCallback(nil)

	logger := GetLogger("capture").WithGroup("photo")
	logger.Info("Photo stored", "path", "/tmp/a.jpg", "err", errors.New("none"), "took", 1500*time.Millisecond)

	if len(got) != 1 {
		t.Fatalf("callback called %d times", len(got))
	}
	e := got[0]
	if e.Seq == 0 || e.Module != "capture" || e.Message != "Photo stored" {
		t.Errorf("entry = %+v", e)
	}
	want := map[string]any{"photo.path": "/tmp/a.jpg", "photo.err": "none", "photo.took": "1.5s"}
	for k, v := range want {
		if e.Attributes[k] != v {
			t.Errorf("attribute %s = %v, want %v", k, e.Attributes[k], v)
		}
	}
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("journal gone") }

func TestFanoutKeepsWritingAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	h := fanout{
		failingHandler{slog.NewTextHandler(io.Discard, nil)},
		slog.NewTextHandler(&buf, nil),
	}
	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "kept", 0))
	if err == nil {
		t.Error("output failure not reported")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("record lost: %q", buf.String())
	}
}

func TestFanoutLevels(t *testing.T) {
	var buf bytes.Buffer
	debugHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	infoHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(fanout{debugHandler, infoHandler}).With("module", "test")
	logger.Debug("debug only message")
	logger.Info("both")

	output := buf.String()
	if n := strings.Count(output, "debug only message"); n != 1 {
		t.Errorf("debug message written %d times. Output: %s", n, output)
	}
	if n := strings.Count(output, "module=test"); n != 3 {
		t.Errorf("module attribute written %d times. Output: %s", n, output)
	}
}

func TestJournalFields(t *testing.T) {
	var (
		gotMsg    string
		gotPri    journal.Priority
		gotFields map[string]string
	)
	h := NewJournalHandler(slog.LevelDebug)
	h.send = func(msg string, pri journal.Priority, vars map[string]string) error {
		gotMsg, gotPri, gotFields = msg, pri, vars
		return nil
	}

	logger := slog.New(h).With("module", "session", "camera_id", "video0")
	logger.WithGroup("cfg").Warn("Reconfiguring", "fps", 30, "ratio", 0.5, "size", slog.GroupValue(slog.Int("w", 640)))

	if gotMsg != "Reconfiguring" || gotPri != journal.PriWarning {
		t.Errorf("message %q priority %d", gotMsg, gotPri)
	}
	want := map[string]string{
		"SYSLOG_IDENTIFIER": JournalIdentifier,
		"PRIORITY":          "4",
		"MODULE":            "session",
		"CAMERA_ID":         "video0",
		"CFG_FPS":           "30",
		"CFG_RATIO":         "0.5",
		"CFG_SIZE_W":        "640",
	}
	for k, v := range want {
		if gotFields[k] != v {
			t.Errorf("%s = %q, want %q", k, gotFields[k], v)
		}
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := range 5 {
		rb.Write(LogEntry{Message: string(rune('a' + i))})
	}
	if rb.Count() != 3 {
		t.Fatalf("count = %d", rb.Count())
	}
	all := rb.ReadAll()
	var msgs []string
	for _, e := range all {
		msgs = append(msgs, e.Message)
	}
	if strings.Join(msgs, "") != "cde" || all[0].Seq != 3 || all[2].Seq != 5 {
		t.Errorf("entries = %+v", all)
	}
	if since := rb.ReadSince(4); len(since) != 1 || since[0].Message != "e" {
		t.Errorf("ReadSince(4) = %+v", since)
	}
	if NewRingBuffer(0).ReadAll() != nil {
		t.Error("empty buffer returned entries")
	}
}

func TestParseLevelValues(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		isNil bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{" info ", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"invalid", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got := parseLevel(tt.input)
		switch {
		case tt.isNil && got != nil:
			t.Errorf("parseLevel(%q) = %v, want nil", tt.input, *got)
		case !tt.isNil && (got == nil || *got != tt.want):
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
