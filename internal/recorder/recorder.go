package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"nexus/server/internal/errkind"
	"nexus/server/internal/logging"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	maxScreenshots = 100

	initialReportFileName = "report.html"
	finalReportFileName   = "nexus_report.html"
)

var nowFunc = time.Now

// DeviceInfo is the device snapshot embedded in run artifacts.
type DeviceInfo struct {
	UDID           string `json:"udid,omitempty"`
	Model          string `json:"model,omitempty"`
	Manufacturer   string `json:"manufacturer,omitempty"`
	AndroidVersion string `json:"androidVersion,omitempty"`
	SDKLevel       string `json:"sdkLevel,omitempty"`
	CPUABI         string `json:"cpuAbi,omitempty"`
	ConnectionKind string `json:"connectionKind,omitempty"`
}

type ActionLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
	Level     string         `json:"level"`
	Step      int            `json:"step"`
}

type Screenshot struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Filename   string     `json:"filename"`
	Path       string     `json:"path"`
	URL        string     `json:"url"`
	Step       int        `json:"step"`
	CapturedAt time.Time  `json:"capturedAt"`
	Device     DeviceInfo `json:"device"`
}

// ScreenshotSource provides PNG bytes; the driver satisfies it.
type ScreenshotSource interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Recorder owns the artifact set for one run. All writes within a run are
// serialized by the coordinator driving it; a Recorder is not safe for
// concurrent use, but distinct run ids never share state.
type Recorder struct {
	runID    string
	runDir   string
	shotsDir string
	device   DeviceInfo
	logger   *slog.Logger

	startTime      time.Time
	endTime        time.Time
	status         string
	currentStep    int
	stepsCompleted int
	actions        []ActionLogEntry
	screenshots    []Screenshot
	commands       []string
}

// New creates the run directory layout and initializes run state.
func New(baseDir, runID string, device DeviceInfo, logger *slog.Logger) (*Recorder, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errkind.New(errkind.Validation, "run id is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	runDir := filepath.Join(baseDir, "android", runID)
	shotsDir := filepath.Join(runDir, "screenshots")
	if err := os.MkdirAll(shotsDir, 0o755); err != nil {
		return nil, errkind.Wrap(errkind.ArtifactIO, "create run directory failed", err)
	}
	r := &Recorder{
		runID:     runID,
		runDir:    runDir,
		shotsDir:  shotsDir,
		device:    device,
		logger:    logger.With("module", "recorder", "run_id", runID),
		startTime: nowFunc(),
		status:    StatusRunning,
	}
	r.LogAction("run_initialized", map[string]any{"dir": runDir}, "info", 0)
	return r, nil
}

func (r *Recorder) RunID() string  { return r.runID }
func (r *Recorder) RunDir() string { return r.runDir }

// LogAction appends an entry; the log is never mutated after capture.
func (r *Recorder) LogAction(action string, data map[string]any, level string, step int) {
	switch level {
	case "info", "warning", "error":
	default:
		level = "info"
	}
	r.actions = append(r.actions, ActionLogEntry{
		Timestamp: nowFunc(),
		Action:    action,
		Data:      data,
		Level:     level,
		Step:      step,
	})
}

func (r *Recorder) RecordCommand(command string) {
	command = strings.TrimSpace(command)
	if command == "" {
		return
	}
	r.commands = append(r.commands, command)
}

func (r *Recorder) SetCurrentStep(step int) { r.currentStep = step }

func (r *Recorder) StepCompleted() { r.stepsCompleted++ }

func (r *Recorder) SetStatus(status string) {
	r.status = status
	if status == StatusCompleted || status == StatusFailed {
		r.endTime = nowFunc()
	}
}

func (r *Recorder) Screenshots() []Screenshot {
	out := make([]Screenshot, len(r.screenshots))
	copy(out, r.screenshots)
	return out
}

func (r *Recorder) Actions() []ActionLogEntry {
	out := make([]ActionLogEntry, len(r.actions))
	copy(out, r.actions)
	return out
}

// CaptureScreenshot grabs a PNG, writes it under the run's screenshots dir,
// and appends a metadata record. When the list is over the retention cap the
// oldest entry is dropped and its file unlinked best-effort.
func (r *Recorder) CaptureScreenshot(ctx context.Context, src ScreenshotSource, name string, step int) (Screenshot, error) {
	png, err := src.Screenshot(ctx)
	if err != nil {
		return Screenshot{}, err
	}
	ts := nowFunc().UTC()
	filename := fmt.Sprintf("screenshot_%s_%s.png", sanitizeName(name), fileTimestamp(ts))
	path := filepath.Join(r.shotsDir, filename)

	if err := os.WriteFile(path, png, 0o644); err != nil {
		// The run dir may have been swept externally; recreate and retry once.
		if mkErr := os.MkdirAll(r.shotsDir, 0o755); mkErr != nil {
			return Screenshot{}, errkind.Wrap(errkind.ArtifactIO, "screenshot dir recreate failed", mkErr)
		}
		if err := os.WriteFile(path, png, 0o644); err != nil {
			return Screenshot{}, errkind.Wrap(errkind.ArtifactIO, "screenshot write failed", err)
		}
	}

	shot := Screenshot{
		ID:         uuid.NewString(),
		Name:       name,
		Filename:   filename,
		Path:       path,
		URL:        fmt.Sprintf("/android/screenshots/%s/%s", r.runID, filename),
		Step:       step,
		CapturedAt: ts,
		Device:     r.device,
	}
	r.screenshots = append(r.screenshots, shot)
	if len(r.screenshots) > maxScreenshots {
		evicted := r.screenshots[0]
		r.screenshots = append(r.screenshots[:0], r.screenshots[1:]...)
		if err := os.Remove(evicted.Path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("evicted screenshot unlink failed", "path", evicted.Path, "err", err)
		}
	}
	r.LogAction("screenshot_captured", map[string]any{
		"path":  path,
		"bytes": len(png),
		"name":  name,
	}, "info", step)
	return shot, nil
}

// Finalize writes the final report, retrying once before giving up.
func (r *Recorder) Finalize() (string, error) {
	path, err := r.GenerateReport(true)
	if err == nil {
		return path, nil
	}
	r.logger.Warn("final report write failed, retrying", "err", err)
	return r.GenerateReport(true)
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, c := range name {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "shot"
	}
	return b.String()
}

func fileTimestamp(ts time.Time) string {
	return strings.ReplaceAll(ts.Format("2006-01-02T15:04:05.000Z"), ":", "-")
}
