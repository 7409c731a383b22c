package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

type staticSource struct {
	png []byte
	err error
}

func (s *staticSource) Screenshot(context.Context) ([]byte, error) {
	return s.png, s.err
}

func pngBytes() []byte {
	return append([]byte{0x89, 'P', 'N', 'G'}, []byte("fake")...)
}

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := New(t.TempDir(), "T1", DeviceInfo{Model: "Pixel 7", Manufacturer: "Google"}, nil)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return r
}

func TestNew_CreatesLayout(t *testing.T) {
	base := t.TempDir()
	r, err := New(base, "run-9", DeviceInfo{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	info, err := os.Stat(filepath.Join(base, "android", "run-9", "screenshots"))
	if err != nil || !info.IsDir() {
		t.Fatalf("screenshots dir missing: %v", err)
	}
	if r.RunID() != "run-9" {
		t.Fatalf("run id: %s", r.RunID())
	}
	if len(r.Actions()) != 1 || r.Actions()[0].Action != "run_initialized" {
		t.Fatalf("init log entry missing: %+v", r.Actions())
	}
}

func TestCaptureScreenshot(t *testing.T) {
	r := newTestRecorder(t)
	src := &staticSource{png: pngBytes()}

	shot, err := r.CaptureScreenshot(context.Background(), src, "before-1", 1)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !strings.HasPrefix(shot.Filename, "screenshot_before1_") || !strings.HasSuffix(shot.Filename, ".png") {
		t.Fatalf("filename: %s", shot.Filename)
	}
	if shot.URL != "/android/screenshots/T1/"+shot.Filename {
		t.Fatalf("url: %s", shot.URL)
	}
	if _, err := os.Stat(shot.Path); err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if shot.Device.Model != "Pixel 7" {
		t.Fatalf("device snapshot missing: %+v", shot.Device)
	}

	last := r.Actions()[len(r.Actions())-1]
	if last.Action != "screenshot_captured" {
		t.Fatalf("capture log entry missing: %+v", last)
	}
	if last.Data["bytes"] != len(pngBytes()) {
		t.Fatalf("byte size not logged: %+v", last.Data)
	}
}

func TestCaptureScreenshot_RetriesAfterSweptDir(t *testing.T) {
	r := newTestRecorder(t)
	if err := os.RemoveAll(r.shotsDir); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := r.CaptureScreenshot(context.Background(), &staticSource{png: pngBytes()}, "after", 0); err != nil {
		t.Fatalf("capture should recreate dir and retry: %v", err)
	}
}

func TestScreenshotEviction(t *testing.T) {
	r := newTestRecorder(t)
	src := &staticSource{png: pngBytes()}

	var first Screenshot
	for i := 0; i < maxScreenshots+1; i++ {
		shot, err := r.CaptureScreenshot(context.Background(), src, fmt.Sprintf("s%d", i), i)
		if err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
		if i == 0 {
			first = shot
		}
	}
	shots := r.Screenshots()
	if len(shots) != maxScreenshots {
		t.Fatalf("expected %d records, got %d", maxScreenshots, len(shots))
	}
	for _, shot := range shots {
		if shot.ID == first.ID {
			t.Fatal("oldest record should be evicted")
		}
	}
	if _, err := os.Stat(first.Path); !os.IsNotExist(err) {
		t.Fatalf("evicted file should be unlinked: %v", err)
	}
}

func TestGenerateReport_Idempotent(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	nowFunc = func() time.Time { return fixed }
	defer func() { nowFunc = time.Now }()

	r := newTestRecorder(t)
	r.RecordCommand("open calculator and compute 2+2")
	r.StepCompleted()
	r.SetStatus(StatusCompleted)

	path1, err := r.GenerateReport(true)
	if err != nil {
		t.Fatalf("first render: %v", err)
	}
	b1, _ := os.ReadFile(path1)
	path2, err := r.GenerateReport(true)
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	b2, _ := os.ReadFile(path2)
	if string(b1) != string(b2) {
		t.Fatal("final report should be byte-identical with a fixed clock")
	}
	if filepath.Base(path1) != finalReportFileName {
		t.Fatalf("final report name: %s", path1)
	}
	if !strings.Contains(string(b1), "/replay/T1") {
		t.Fatal("final report should carry the replay URL")
	}
	if !strings.Contains(string(b1), `class="badge completed"`) {
		t.Fatal("status badge missing")
	}
}

func TestGenerateReport_InitialOmitsReplay(t *testing.T) {
	r := newTestRecorder(t)
	path, err := r.GenerateReport(false)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if filepath.Base(path) != initialReportFileName {
		t.Fatalf("initial report name: %s", path)
	}
	b, _ := os.ReadFile(path)
	if strings.Contains(string(b), "/replay/") {
		t.Fatal("initial report must not carry the replay URL")
	}
}

func TestReportCSSIsASCII(t *testing.T) {
	r := newTestRecorder(t)
	path, err := r.GenerateReport(true)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b, _ := os.ReadFile(path)
	style := regexp.MustCompile(`(?s)<style>.*</style>`).Find(b)
	for _, c := range string(style) {
		if c > 127 {
			t.Fatalf("non-ASCII character %q inside report CSS", c)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	if got := sanitizeName("before-1"); got != "before1" {
		t.Fatalf("sanitize: %q", got)
	}
	if got := sanitizeName("../../etc/passwd"); got != "etcpasswd" {
		t.Fatalf("sanitize traversal: %q", got)
	}
	if got := sanitizeName("!!!"); got != "shot" {
		t.Fatalf("sanitize empty: %q", got)
	}
}
