package driver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"nexus/server/internal/errkind"
	"nexus/server/internal/logging"
)

const (
	defaultShellTimeout = 10 * time.Second
	defaultADBBinary    = "adb"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

// ADBDriver drives an Android device through the adb binary. Semantic intent
// (AIAction/AIQuery) is delegated to the injected Actor.
type ADBDriver struct {
	exec   Exec
	actor  Actor
	logger *slog.Logger

	mu         sync.Mutex
	adbPath    string
	remoteHost string
	remotePort int
	udid       string
}

func NewADBDriver(e Exec, actor Actor, logger *slog.Logger) *ADBDriver {
	if e == nil {
		e = &RealExec{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &ADBDriver{
		exec:    e,
		actor:   actor,
		logger:  logger.With("module", "adb_driver"),
		adbPath: defaultADBBinary,
	}
}

func (d *ADBDriver) Discover(ctx context.Context) ([]DeviceInfo, error) {
	out, err := d.adb(ctx, 0, "devices", "-l")
	if err != nil {
		return nil, classifyExecErr(ctx, "adb devices failed", err)
	}
	return parseDevices(out), nil
}

func (d *ADBDriver) Connect(ctx context.Context, udid string, opts ConnectOptions) error {
	udid = strings.TrimSpace(udid)
	if udid == "" {
		return errkind.New(errkind.Validation, "udid is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.mu.Lock()
	if strings.TrimSpace(opts.ADBPath) != "" {
		d.adbPath = strings.TrimSpace(opts.ADBPath)
	}
	d.remoteHost = strings.TrimSpace(opts.RemoteHost)
	d.remotePort = opts.RemotePort
	d.mu.Unlock()

	if strings.Contains(udid, ":") {
		out, err := d.adb(ctx, 0, "connect", udid)
		if err != nil {
			return classifyExecErr(ctx, "adb connect failed", err)
		}
		if text := strings.ToLower(strings.TrimSpace(string(out))); strings.Contains(text, "failed") || strings.Contains(text, "cannot") {
			return errkind.Newf(errkind.DriverTransport, "adb connect refused: %s", strings.TrimSpace(string(out)))
		}
	}

	devices, err := d.Discover(ctx)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if dev.UDID != udid {
			continue
		}
		if dev.State != "device" {
			return errkind.Newf(errkind.DriverTransport, "device %s is %s", udid, dev.State)
		}
		d.mu.Lock()
		d.udid = udid
		d.mu.Unlock()
		d.logger.Info("device connected", "udid", udid, "state", dev.State)
		return nil
	}
	return errkind.Newf(errkind.DeviceNotFound, "device %s not present after connect", udid)
}

func (d *ADBDriver) Shell(ctx context.Context, command string) (string, error) {
	udid, err := d.session()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(command) == "" {
		return "", errkind.New(errkind.Validation, "shell command is required")
	}
	out, err := d.adb(ctx, defaultShellTimeout, "-s", udid, "shell", command)
	if err != nil {
		return "", classifyExecErr(ctx, "adb shell failed", err)
	}
	return string(out), nil
}

func (d *ADBDriver) Screenshot(ctx context.Context) ([]byte, error) {
	udid, err := d.session()
	if err != nil {
		return nil, err
	}
	out, err := d.adb(ctx, defaultShellTimeout, "-s", udid, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, classifyExecErr(ctx, "screencap failed", err)
	}
	if len(out) < len(pngMagic) || string(out[:len(pngMagic)]) != string(pngMagic) {
		return nil, errkind.New(errkind.DriverTransport, "screencap returned non-PNG output")
	}
	return out, nil
}

func (d *ADBDriver) Launch(ctx context.Context, target string) error {
	udid, err := d.session()
	if err != nil {
		return err
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return errkind.New(errkind.Validation, "launch target is required")
	}
	var args []string
	if strings.Contains(target, "://") {
		args = []string{"-s", udid, "shell", "am", "start", "-a", "android.intent.action.VIEW", "-d", target}
	} else {
		args = []string{"-s", udid, "shell", "monkey", "-p", target, "-c", "android.intent.category.LAUNCHER", "1"}
	}
	if _, err := d.adb(ctx, defaultShellTimeout, args...); err != nil {
		return classifyExecErr(ctx, "launch failed", err)
	}
	return nil
}

func (d *ADBDriver) AIAction(ctx context.Context, instruction string) (string, error) {
	if _, err := d.session(); err != nil {
		return "", err
	}
	if d.actor == nil {
		return "", errkind.New(errkind.NotConnected, "no agent binding for this session")
	}
	return d.actor.Act(ctx, instruction)
}

func (d *ADBDriver) AIQuery(ctx context.Context, schema string) (json.RawMessage, error) {
	if _, err := d.session(); err != nil {
		return nil, err
	}
	if d.actor == nil {
		return nil, errkind.New(errkind.NotConnected, "no agent binding for this session")
	}
	return d.actor.Query(ctx, schema)
}

func (d *ADBDriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	udid := d.udid
	d.udid = ""
	d.mu.Unlock()
	if udid == "" {
		return nil
	}
	if strings.Contains(udid, ":") {
		if _, err := d.adb(ctx, defaultShellTimeout, "disconnect", udid); err != nil {
			d.logger.Warn("adb disconnect failed", "udid", udid, "err", err)
			return classifyExecErr(ctx, "adb disconnect failed", err)
		}
	}
	d.logger.Info("device disconnected", "udid", udid)
	return nil
}

// SetActor rebinds the agent seam. The connection manager installs a binding
// carrying the session context string after each successful connect.
func (d *ADBDriver) SetActor(actor Actor) {
	d.mu.Lock()
	d.actor = actor
	d.mu.Unlock()
}

func (d *ADBDriver) session() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.udid == "" {
		return "", errkind.New(errkind.NotConnected, "no active device session")
	}
	return d.udid, nil
}

// adb runs the binary with the session's global host flags. A zero timeout
// means the caller already bounded ctx.
func (d *ADBDriver) adb(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	d.mu.Lock()
	bin := d.adbPath
	host := d.remoteHost
	port := d.remotePort
	d.mu.Unlock()

	if timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}
	full := make([]string, 0, len(args)+4)
	if host != "" {
		full = append(full, "-H", host)
		if port > 0 {
			full = append(full, "-P", strconv.Itoa(port))
		}
	}
	full = append(full, args...)
	return d.exec.Output(ctx, bin, full...)
}

func classifyExecErr(ctx context.Context, message string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errkind.Wrap(errkind.Timeout, message, err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return errkind.Wrap(errkind.Cancelled, message, err)
	default:
		return errkind.Wrap(errkind.DriverTransport, message, err)
	}
}
