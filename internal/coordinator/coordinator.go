package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nexus/server/internal/agent"
	"nexus/server/internal/connmgr"
	"nexus/server/internal/driver"
	"nexus/server/internal/errkind"
	"nexus/server/internal/logging"
	"nexus/server/internal/recorder"
	"nexus/server/internal/taskbus"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

const defaultStepTimeout = 30 * time.Second

// DeviceSource hands out the single device session; contenders queue on it.
// Implemented by connmgr.Manager.
type DeviceSource interface {
	Acquire(ctx context.Context) (driver.Driver, func(), error)
	CurrentSession() (connmgr.Session, connmgr.DeviceDetails, bool)
	// ReportFailure tells the source its device is gone so the session stops
	// being advertised to later tasks.
	ReportFailure(err error)
}

// RunStore persists run rows for history queries. Optional; nil disables it.
type RunStore interface {
	RecordRun(taskID, userID, command string) error
	FinishRun(taskID, status string, success bool, errText string) error
}

type TaskView struct {
	ID        string             `json:"id"`
	Command   string             `json:"command"`
	UserID    string             `json:"userId"`
	SessionID string             `json:"sessionId"`
	Status    Status             `json:"status"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
	Steps     []taskbus.StepView `json:"steps"`
	CreatedAt time.Time          `json:"createdAt"`
	StartedAt time.Time          `json:"startedAt,omitempty"`
	EndedAt   time.Time          `json:"endedAt,omitempty"`
	ReportURL string             `json:"reportUrl,omitempty"`
}

type record struct {
	id        string
	command   string
	userID    string
	sessionID string
	status    Status
	steps     []taskbus.StepView
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	success   bool
	errText   string
	started   bool

	cancelRequested atomic.Bool
}

type Options struct {
	Devices       DeviceSource
	Planner       agent.Planner
	Bus           *taskbus.Bus
	Runs          RunStore
	BaseReportDir string
	Logger        *slog.Logger
	StepTimeout   time.Duration

	// RecordMessage mirrors task lifecycle into chat history. Optional.
	RecordMessage func(userID, sessionID, taskID, role, content string) error
}

// Coordinator drives task lifecycles. Each started task runs on its own
// goroutine; all record mutation happens under c.mu so views stay consistent
// with emitted events.
type Coordinator struct {
	devices     DeviceSource
	planner     agent.Planner
	bus         *taskbus.Bus
	runs        RunStore
	recordMsg   func(userID, sessionID, taskID, role, content string) error
	baseDir     string
	logger      *slog.Logger
	stepTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*record
}

func New(opts Options) (*Coordinator, error) {
	if opts.Devices == nil {
		return nil, errors.New("device source is required")
	}
	if opts.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if strings.TrimSpace(opts.BaseReportDir) == "" {
		return nil, errors.New("base report dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	timeout := opts.StepTimeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		devices:     opts.Devices,
		planner:     opts.Planner,
		bus:         opts.Bus,
		runs:        opts.Runs,
		recordMsg:   opts.RecordMessage,
		baseDir:     opts.BaseReportDir,
		logger:      logger.With("module", "coordinator"),
		stepTimeout: timeout,
		baseCtx:     ctx,
		cancel:      cancel,
		tasks:       map[string]*record{},
	}, nil
}

// Close stops accepting work and waits for running tasks to wind down. Tasks
// observe the shutdown as a cancelled step, then finalize normally.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) Register(command, userID, sessionID string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", errkind.New(errkind.Validation, "command is required")
	}
	if _, _, live := c.devices.CurrentSession(); !live {
		return "", errkind.New(errkind.NotConnected, "no active device session")
	}
	task := &record{
		id:        uuid.NewString(),
		command:   command,
		userID:    strings.TrimSpace(userID),
		sessionID: strings.TrimSpace(sessionID),
		status:    StatusInitializing,
		createdAt: time.Now(),
	}
	c.mu.Lock()
	c.tasks[task.id] = task
	c.mu.Unlock()

	c.emit(task, taskbus.EventRegistered, string(StatusInitializing), nil, map[string]any{
		"command": command,
	})
	c.mirrorMessage(task, "user", command)
	c.logger.Info("task_registered", "task_id", task.id, "user_id", task.userID)
	return task.id, nil
}

func (c *Coordinator) Start(taskID string) error {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return errkind.Newf(errkind.Validation, "unknown task %s", taskID)
	}
	if task.started {
		c.mu.Unlock()
		return errkind.Newf(errkind.Validation, "task %s already started", taskID)
	}
	// The session may have dropped between Register and Start; refuse to
	// launch the task goroutine against a detached device.
	if _, _, live := c.devices.CurrentSession(); !live {
		c.mu.Unlock()
		return errkind.New(errkind.NotConnected, "no active device session")
	}
	task.started = true
	task.status = StatusExecuting
	task.startedAt = time.Now()
	c.mu.Unlock()

	c.emit(task, taskbus.EventStarted, string(StatusExecuting), nil, nil)
	c.wg.Add(1)
	go c.runTask(task)
	return nil
}

// Cancel sets the intention flag; the running step is allowed to finish
// within its timeout before the task observes the cancel.
func (c *Coordinator) Cancel(taskID string) error {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	terminal := ok && (task.status == StatusCompleted || task.status == StatusFailed)
	c.mu.Unlock()
	if !ok {
		return errkind.Newf(errkind.Validation, "unknown task %s", taskID)
	}
	if terminal {
		return errkind.Newf(errkind.Validation, "task %s already finished", taskID)
	}
	task.cancelRequested.Store(true)
	c.logger.Info("task_cancel_requested", "task_id", taskID)
	return nil
}

// NoteProgress records an externally reported progress note against the task
// log. It never advances the step state machine.
func (c *Coordinator) NoteProgress(taskID, note string, progress float64) error {
	c.mu.Lock()
	_, ok := c.tasks[taskID]
	c.mu.Unlock()
	if !ok {
		return errkind.Newf(errkind.Validation, "unknown task %s", taskID)
	}
	c.logger.Info("task_progress_note", "task_id", taskID, "note", note, "progress", progress)
	return nil
}

func (c *Coordinator) Task(taskID string) (TaskView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return TaskView{}, false
	}
	return c.viewLocked(task), true
}

// ActiveTasks lists non-terminal tasks, newest first. Empty userID lists all.
func (c *Coordinator) ActiveTasks(userID string) []TaskView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []TaskView{}
	for _, task := range c.tasks {
		if task.status == StatusCompleted || task.status == StatusFailed {
			continue
		}
		if userID != "" && task.userID != userID {
			continue
		}
		out = append(out, c.viewLocked(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ReportPath returns the final report file for a terminal task.
func (c *Coordinator) ReportPath(taskID string) (string, error) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	var status Status
	if ok {
		status = task.status
	}
	c.mu.Unlock()
	if !ok {
		return "", errkind.Newf(errkind.Validation, "unknown task %s", taskID)
	}
	if status != StatusCompleted && status != StatusFailed {
		return "", errkind.Newf(errkind.Validation, "task %s has no final report yet", taskID)
	}
	return filepath.Join(c.baseDir, "android", taskID, "nexus_report.html"), nil
}

func (c *Coordinator) viewLocked(task *record) TaskView {
	view := TaskView{
		ID:        task.id,
		Command:   task.command,
		UserID:    task.userID,
		SessionID: task.sessionID,
		Status:    task.status,
		Success:   task.success,
		Error:     task.errText,
		Steps:     append([]taskbus.StepView{}, task.steps...),
		CreatedAt: task.createdAt,
		StartedAt: task.startedAt,
		EndedAt:   task.endedAt,
	}
	if task.status == StatusCompleted || task.status == StatusFailed {
		view.ReportURL = "/android/reports/" + task.id
	}
	return view
}

func (c *Coordinator) emit(task *record, typ taskbus.EventType, status string, step *taskbus.StepView, payload map[string]any) {
	c.bus.Emit(taskbus.Event{
		Type:      typ,
		TaskID:    task.id,
		UserID:    task.userID,
		SessionID: task.sessionID,
		Timestamp: time.Now(),
		Status:    status,
		Step:      step,
		Payload:   payload,
	})
}

func (c *Coordinator) deviceInfo() recorder.DeviceInfo {
	session, details, ok := c.devices.CurrentSession()
	if !ok {
		return recorder.DeviceInfo{}
	}
	return recorder.DeviceInfo{
		UDID:           session.UDID,
		Model:          details.Model,
		Manufacturer:   details.Manufacturer,
		AndroidVersion: details.AndroidVersion,
		SDKLevel:       details.SDKLevel,
		CPUABI:         details.CPUABI,
		ConnectionKind: session.ConnectionKind,
	}
}

func (c *Coordinator) runTask(task *record) {
	defer c.wg.Done()
	logger := c.logger.With("task_id", task.id)

	rec, err := recorder.New(c.baseDir, task.id, c.deviceInfo(), logger)
	if err != nil {
		c.finish(task, nil, err, logger)
		return
	}
	rec.RecordCommand(task.command)

	if c.runs != nil {
		if storeErr := c.runs.RecordRun(task.id, task.userID, task.command); storeErr != nil {
			logger.Warn("run_record_failed", "err", storeErr)
		}
	}

	drv, release, err := c.devices.Acquire(c.baseCtx)
	if err != nil {
		c.finish(task, rec, err, logger)
		return
	}
	defer release()

	steps, err := c.planner.Plan(c.baseCtx, task.command)
	if err != nil {
		c.finish(task, rec, errkind.Wrap(errkind.KindOf(err), "planning failed", err), logger)
		return
	}
	logger.Info("task_plan_ready", "steps", len(steps))

	var fatal error
	for i, planned := range steps {
		if task.cancelRequested.Load() || c.baseCtx.Err() != nil {
			fatal = errkind.New(errkind.Cancelled, "task cancelled")
			break
		}
		if err := c.runStep(task, rec, drv, i, planned, logger); err != nil {
			fatal = err
			break
		}
	}
	c.finish(task, rec, fatal, logger)
}

func (c *Coordinator) runStep(task *record, rec *recorder.Recorder, drv driver.Driver, index int, planned agent.Step, logger *slog.Logger) error {
	command := planned.Command
	view := taskbus.StepView{
		Index:       index,
		Description: planned.Description,
		Command:     command,
		Status:      "pending",
	}
	c.appendStep(task, view)
	c.emit(task, taskbus.EventStepAdded, "", &view, nil)

	if update := c.bus.ConsumeStepUpdate(task.id, index); update != nil {
		old := command
		command = update.Command
		view.Command = command
		c.updateStep(task, view)
		c.emit(task, taskbus.EventCommandUpdated, "", &view, map[string]any{
			"oldCommand": old,
			"newCommand": command,
		})
		rec.LogAction("command_updated", map[string]any{"old": old, "new": command}, "info", index)
	}

	rec.SetCurrentStep(index)
	c.captureShot(rec, drv, fmt.Sprintf("before-%d", index), index, logger)

	view.Status = "executing"
	c.updateStep(task, view)
	c.emit(task, taskbus.EventStepStarted, "", &view, nil)

	stepCtx, cancel := context.WithTimeout(c.baseCtx, c.stepTimeout)
	result, err := drv.AIAction(stepCtx, command)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errkind.IsKind(err, errkind.Timeout) {
			err = errkind.Wrap(errkind.Timeout, "step timed out", err)
		}
		c.captureShot(rec, drv, fmt.Sprintf("error-%d", index), index, logger)
		view.Status = "failed"
		view.Error = err.Error()
		c.updateStep(task, view)
		c.emit(task, taskbus.EventStepFailed, "", &view, map[string]any{
			"error": err.Error(),
			"kind":  string(errkind.KindOf(err)),
		})
		rec.LogAction("step_failed", map[string]any{"command": command, "error": err.Error()}, "error", index)
		c.bus.DiscardStaleUpdates(task.id, index)
		c.regenReport(rec, logger)
		if planned.Recoverable {
			logger.Warn("step_failed_recoverable", "step", index, "err", err)
			return nil
		}
		// A fatal transport-level failure means the device is gone; the
		// connection manager must stop advertising the session so new tasks
		// are refused until a reconnect.
		switch errkind.KindOf(err) {
		case errkind.DriverTransport, errkind.NotConnected, errkind.DeviceNotFound:
			c.devices.ReportFailure(err)
		}
		return err
	}

	c.captureShot(rec, drv, fmt.Sprintf("after-%d", index), index, logger)
	view.Status = "completed"
	c.updateStep(task, view)
	c.emit(task, taskbus.EventStepCompleted, "", &view, map[string]any{"result": result})
	rec.StepCompleted()
	rec.LogAction("step_completed", map[string]any{"command": command, "result": result}, "info", index)
	c.bus.DiscardStaleUpdates(task.id, index)
	c.regenReport(rec, logger)
	return nil
}

func (c *Coordinator) appendStep(task *record, view taskbus.StepView) {
	c.mu.Lock()
	task.steps = append(task.steps, view)
	c.mu.Unlock()
}

func (c *Coordinator) updateStep(task *record, view taskbus.StepView) {
	c.mu.Lock()
	if view.Index < len(task.steps) {
		task.steps[view.Index] = view
	}
	c.mu.Unlock()
}

// captureShot is best-effort: a missed screenshot is telemetry loss, not a
// step failure.
func (c *Coordinator) captureShot(rec *recorder.Recorder, drv driver.Driver, name string, step int, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(c.baseCtx, 10*time.Second)
	defer cancel()
	if _, err := rec.CaptureScreenshot(ctx, drv, name, step); err != nil {
		logger.Warn("screenshot_skipped", "name", name, "err", err)
	}
}

func (c *Coordinator) regenReport(rec *recorder.Recorder, logger *slog.Logger) {
	if _, err := rec.GenerateReport(false); err != nil {
		logger.Warn("report_regen_failed", "err", err)
	}
}

func (c *Coordinator) finish(task *record, rec *recorder.Recorder, fatal error, logger *slog.Logger) {
	status := StatusCompleted
	errText := ""
	if fatal != nil {
		status = StatusFailed
		errText = fatal.Error()
	}

	c.mu.Lock()
	task.status = status
	task.success = fatal == nil
	task.errText = errText
	task.endedAt = time.Now()
	c.mu.Unlock()

	if rec != nil {
		rec.SetStatus(map[Status]string{StatusCompleted: recorder.StatusCompleted, StatusFailed: recorder.StatusFailed}[status])
		if _, err := rec.Finalize(); err != nil {
			logger.Warn("report_finalize_failed", "err", err)
		}
	}

	payload := map[string]any{"success": fatal == nil}
	if fatal != nil {
		payload["error"] = errText
		payload["kind"] = string(errkind.KindOf(fatal))
	}
	c.emit(task, taskbus.EventCompleted, string(status), nil, payload)

	if c.runs != nil {
		if storeErr := c.runs.FinishRun(task.id, string(status), fatal == nil, errText); storeErr != nil {
			logger.Warn("run_finish_failed", "err", storeErr)
		}
	}
	if fatal != nil {
		c.mirrorMessage(task, "assistant", "Task failed: "+errText)
	} else {
		c.mirrorMessage(task, "assistant", "Task completed: "+task.command)
	}
	logger.Info("task_finished", "status", status, "success", fatal == nil)
}

func (c *Coordinator) mirrorMessage(task *record, role, content string) {
	if c.recordMsg == nil {
		return
	}
	if err := c.recordMsg(task.userID, task.sessionID, task.id, role, content); err != nil {
		c.logger.Warn("message_mirror_failed", "task_id", task.id, "err", err)
	}
}
