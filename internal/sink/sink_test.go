package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/encoder"
	"github.com/smazurov/camnode/internal/events"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/pipeline"
	"github.com/smazurov/camnode/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	h264AUD = []byte{0x09, 0xf0}
	h264SPS = []byte{0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9}
	h264PPS = []byte{0x68, 0xee, 0x3c, 0x80}
	h264IDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	h264P   = []byte{0x41, 0x9a, 0x21, 0x6c}
)

func encodedFrame(ts int64, key bool) *media.Frame {
	data := media.JoinAnnexB(h264AUD, h264P)
	if key {
		data = media.JoinAnnexB(h264AUD, h264SPS, h264PPS, h264IDR)
	}
	return &media.Frame{Data: data, Format: media.FormatH264, Timestamp: ts, KeyFrame: key}
}

// callLog records the order of teardown steps across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeSession struct {
	log *callLog
	cfg media.CaptureConfig
	err error

	mu       sync.Mutex
	acquires int
	releases int
	last     session.Request
}

func newFakeSession(log *callLog) *fakeSession {
	return &fakeSession{log: log, cfg: media.DefaultCaptureConfig()}
}

func (s *fakeSession) Acquire(_ context.Context, req session.Request) (*session.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.acquires++
	s.last = req
	s.log.add("acquire")
	return &session.Handle{}, nil
}

func (s *fakeSession) Release(*session.Handle) {
	s.mu.Lock()
	s.releases++
	s.mu.Unlock()
	s.log.add("release")
}

func (s *fakeSession) Config() media.CaptureConfig { return s.cfg }

func (s *fakeSession) counts() (acquires, releases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires, s.releases
}

// disconnect delivers an error the way the controller does.
func (s *fakeSession) disconnect() {
	s.mu.Lock()
	onErr := s.last.OnError
	s.mu.Unlock()
	go onErr(camera.Errorf(camera.ReasonDisconnected, "watch", "device removed"))
}

type fakeDistributor struct {
	log          *callLog
	onUnregister func()

	mu       sync.Mutex
	consumer pipeline.Consumer
}

func (d *fakeDistributor) Register(c pipeline.Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consumer != nil {
		return pipeline.ErrAlreadyRegistered
	}
	d.consumer = c
	d.log.add("register")
	return nil
}

func (d *fakeDistributor) Unregister(c pipeline.Consumer) {
	d.mu.Lock()
	if d.consumer != c {
		d.mu.Unlock()
		return
	}
	d.consumer = nil
	d.mu.Unlock()
	d.log.add("unregister")
	if d.onUnregister != nil {
		d.onUnregister()
	}
}

func (d *fakeDistributor) registered() pipeline.Consumer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consumer
}

// fakeEncoder turns every fed frame into one H.264 access unit, a key
// frame every keyInterval frames or on request.
type fakeEncoder struct {
	log         *callLog
	keyInterval int

	mu        sync.Mutex
	onEncoded func(*media.Frame)
	fed       int
	forceKey  bool
	stopped   bool
	keyReqs   atomic.Int32
}

func (e *fakeEncoder) InputFormat() media.Format { return media.FormatYUV420 }

func (e *fakeEncoder) Configure(media.CaptureConfig) error { return nil }

func (e *fakeEncoder) Start(onEncoded func(*media.Frame)) error {
	e.mu.Lock()
	e.onEncoded = onEncoded
	e.mu.Unlock()
	return nil
}

func (e *fakeEncoder) Feed(f *media.Frame) {
	e.mu.Lock()
	if e.stopped || e.onEncoded == nil {
		e.mu.Unlock()
		return
	}
	key := e.forceKey || e.keyInterval <= 1 || e.fed%e.keyInterval == 0
	e.forceKey = false
	e.fed++
	out := e.onEncoded
	e.mu.Unlock()
	out(encodedFrame(f.Timestamp, key))
}

func (e *fakeEncoder) RequestKeyFrame() {
	e.keyReqs.Add(1)
	e.mu.Lock()
	e.forceKey = true
	e.mu.Unlock()
}

func (e *fakeEncoder) SetBitRate(int) error { return nil }

func (e *fakeEncoder) Stop() error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	if e.log != nil {
		e.log.add("encoder stop")
	}
	return nil
}

func (e *fakeEncoder) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

type encoderBox struct {
	mu  sync.Mutex
	enc *fakeEncoder
}

func (b *encoderBox) factory(log *callLog, keyInterval int) encoder.Factory {
	return func(string, media.CaptureConfig) (encoder.Encoder, error) {
		e := &fakeEncoder{log: log, keyInterval: keyInterval}
		b.mu.Lock()
		b.enc = e
		b.mu.Unlock()
		return e, nil
	}
}

func (b *encoderBox) get() *fakeEncoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	bus := events.New()
	stopped := make(chan events.SinkStopped, 2)
	unsub := bus.Subscribe(func(e events.SinkStopped) { stopped <- e })
	defer unsub()

	lc := NewLifecycle(Env{CameraID: "test0", Bus: bus, Logger: testLogger()}, KindRTMP)
	if lc.BeginStop() {
		t.Fatal("BeginStop on idle sink succeeded")
	}
	if err := lc.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := lc.Begin(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Begin = %v", err)
	}
	lc.Started()
	if lc.State() != StateRunning {
		t.Fatalf("state = %s", lc.State())
	}
	if !lc.BeginStop() {
		t.Fatal("BeginStop on running sink failed")
	}
	lc.Stopped(nil)
	if lc.State() != StateIdle {
		t.Errorf("state after requested stop = %s", lc.State())
	}
	if ev := <-stopped; !ev.Requested || ev.Reason != "" {
		t.Errorf("requested stop event = %+v", ev)
	}

	if err := lc.Begin(); err != nil {
		t.Fatal(err)
	}
	lc.Started()
	lc.BeginStop()
	lc.Stopped(camera.Errorf(camera.ReasonDisconnected, "watch", "gone"))
	if lc.State() != StateError {
		t.Errorf("state after error stop = %s", lc.State())
	}
	ev := <-stopped
	if ev.Requested || ev.Reason != "disconnected" || ev.Error == "" {
		t.Errorf("error stop event = %+v", ev)
	}
	if err := lc.Begin(); err != nil {
		t.Errorf("Begin from error = %v", err)
	}
}

func TestLifecycleStartFailed(t *testing.T) {
	lc := NewLifecycle(Env{CameraID: "test0", Logger: testLogger()}, KindSRT)
	if err := lc.Begin(); err != nil {
		t.Fatal(err)
	}
	cause := errors.New("connection refused")
	lc.StartFailed(cause)
	if lc.State() != StateError || !errors.Is(lc.Err(), cause) {
		t.Errorf("state = %s, err = %v", lc.State(), lc.Err())
	}
}

func TestFrameQueueDropsUntilKeyFrame(t *testing.T) {
	var drops atomic.Int32
	q := newFrameQueue(2, func() { drops.Add(1) })

	q.push(encodedFrame(0, false)) // before the first key frame
	q.push(encodedFrame(1, true))
	q.push(encodedFrame(2, false))
	q.push(encodedFrame(3, false)) // overflow
	if got := q.len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}

	if f, _ := q.pop(); f.Timestamp != 1 {
		t.Fatalf("popped %d, want 1", f.Timestamp)
	}
	q.push(encodedFrame(4, false)) // still waiting for a key frame
	q.push(encodedFrame(5, true))

	var got []int64
	for range 2 {
		f, ok := q.pop()
		if !ok {
			t.Fatal("queue closed early")
		}
		got = append(got, f.Timestamp)
	}
	if got[0] != 2 || got[1] != 5 {
		t.Errorf("popped %v, want [2 5]", got)
	}
	if drops.Load() != 3 || q.dropped() != 3 {
		t.Errorf("drops = %d/%d, want 3", drops.Load(), q.dropped())
	}

	q.push(encodedFrame(6, true))
	q.close(false)
	if _, ok := q.pop(); ok {
		t.Error("pop after close(false) returned a frame")
	}
}

func TestFrameQueueDrainOnClose(t *testing.T) {
	q := newFrameQueue(4, nil)
	q.push(encodedFrame(1, true))
	q.push(encodedFrame(2, false))
	q.close(true)
	q.push(encodedFrame(3, true))

	n := 0
	for {
		if _, ok := q.pop(); !ok {
			break
		}
		n++
	}
	if n != 2 {
		t.Errorf("drained %d frames, want 2", n)
	}
}

func TestFrameQueuePopWaits(t *testing.T) {
	q := newFrameQueue(4, nil)
	got := make(chan int64, 1)
	go func() {
		f, _ := q.pop()
		got <- f.Timestamp
	}()
	time.Sleep(10 * time.Millisecond)
	q.push(encodedFrame(7, true))
	select {
	case ts := <-got:
		if ts != 7 {
			t.Errorf("popped %d", ts)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}
