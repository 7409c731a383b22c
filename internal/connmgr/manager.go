package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nexus/server/internal/agent"
	"nexus/server/internal/config"
	"nexus/server/internal/driver"
	"nexus/server/internal/errkind"
	"nexus/server/internal/logging"
)

const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// Session describes the single live device session.
type Session struct {
	UDID           string    `json:"udid"`
	ConnectionKind string    `json:"connectionKind"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastError      string    `json:"lastError,omitempty"`
	LastErrorAt    time.Time `json:"lastErrorAt,omitempty"`
}

type DeviceDetails struct {
	Model          string `json:"model,omitempty"`
	Manufacturer   string `json:"manufacturer,omitempty"`
	AndroidVersion string `json:"androidVersion,omitempty"`
	SDKLevel       string `json:"sdkLevel,omitempty"`
	CPUABI         string `json:"cpuAbi,omitempty"`
}

type ConnectResult struct {
	UDID           string        `json:"udid"`
	ConnectionKind string        `json:"connectionKind"`
	Details        DeviceDetails `json:"details"`
}

// ActorBinder is the optional driver capability for installing an agent
// binding after connect. The adb driver implements it.
type ActorBinder interface {
	SetActor(driver.Actor)
}

// Manager owns the at-most-one device session for the process. All device
// work flows through Acquire so only one task holds the driver at a time.
type Manager struct {
	drv           driver.Driver
	completer     agent.Completer
	store         *config.SettingsStore
	logger        *slog.Logger
	containerized bool

	sem chan struct{}

	mu       sync.Mutex
	settings config.Settings
	state    string
	session  *Session
	details  DeviceDetails
	inFlight bool
}

type Options struct {
	Driver        driver.Driver
	Completer     agent.Completer
	Store         *config.SettingsStore
	Settings      config.Settings
	Logger        *slog.Logger
	Containerized bool
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	m := &Manager{
		drv:           opts.Driver,
		completer:     opts.Completer,
		store:         opts.Store,
		logger:        logger.With("module", "connmgr"),
		containerized: opts.Containerized,
		sem:           make(chan struct{}, 1),
		settings:      opts.Settings,
		state:         StateDisconnected,
	}
	config.ApplyEnvMirror(m.settings)
	return m
}

// Acquire blocks until the caller holds the device session, then returns the
// driver and a release func. Contenders queue on the channel.
func (m *Manager) Acquire(ctx context.Context) (driver.Driver, func(), error) {
	select {
	case <-ctx.Done():
		return nil, nil, errkind.Wrap(errkind.Cancelled, "device session wait aborted", ctx.Err())
	case m.sem <- struct{}{}:
	}
	m.mu.Lock()
	connected := m.state == StateConnected
	m.inFlight = connected
	m.mu.Unlock()
	if !connected {
		<-m.sem
		return nil, nil, errkind.New(errkind.NotConnected, "no active device session")
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			m.inFlight = false
			m.mu.Unlock()
			<-m.sem
		})
	}
	return m.drv, release, nil
}

// GetDevices retries discovery per the configured retry budget; the first
// attempt returning a non-empty list wins.
func (m *Manager) GetDevices(ctx context.Context) ([]driver.DeviceInfo, error) {
	settings := m.Settings()
	var lastErr error
	for attempt := 1; attempt <= settings.MaxRetries; attempt++ {
		devices, err := m.drv.Discover(ctx)
		if err == nil && len(devices) > 0 {
			return devices, nil
		}
		if err != nil {
			lastErr = err
			m.logger.Warn("device discovery failed", "attempt", attempt, "err", err)
		}
		if attempt < settings.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, errkind.Wrap(errkind.Cancelled, "discovery aborted", ctx.Err())
			case <-time.After(time.Duration(settings.RetryDelay) * time.Millisecond):
			}
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return []driver.DeviceInfo{}, nil
}

// Connect establishes the device session following the fixed procedure:
// validate, merge settings, best-effort local adb connect, discovery retry,
// driver connect, agent binding, device detail probe. Any failure tears the
// half-built session down before returning.
func (m *Manager) Connect(ctx context.Context, ipOrUDID string, port int, patch config.Patch) (ConnectResult, error) {
	ip := strings.TrimSpace(ipOrUDID)
	if ip == "" {
		return ConnectResult{}, errkind.New(errkind.Validation, "device address is required")
	}
	if port < 1 || port > 65535 {
		return ConnectResult{}, errkind.Newf(errkind.Validation, "port %d is out of range", port)
	}

	// Take the session slot before touching anything: a connect issued while
	// a task holds the device waits for that task's release, so the live
	// session is never swapped under an executing step.
	select {
	case <-ctx.Done():
		return ConnectResult{}, errkind.Wrap(errkind.Cancelled, "device session wait aborted", ctx.Err())
	case m.sem <- struct{}{}:
	}
	defer func() { <-m.sem }()

	settings := m.UpdateSettings(patch)

	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()

	result, err := m.connect(ctx, ip, port, settings)
	if err != nil {
		m.recordFailure(err)
		// Never leak a half-constructed session.
		if derr := m.drv.Disconnect(context.Background()); derr != nil {
			m.logger.Warn("teardown after failed connect errored", "err", derr)
		}
		return ConnectResult{}, err
	}

	m.mu.Lock()
	m.state = StateConnected
	m.session = &Session{
		UDID:           result.UDID,
		ConnectionKind: result.ConnectionKind,
		ConnectedAt:    time.Now(),
	}
	m.details = result.Details
	m.mu.Unlock()
	m.logger.Info("session established", "udid", result.UDID, "kind", result.ConnectionKind)
	return result, nil
}

func (m *Manager) connect(ctx context.Context, ip string, port int, settings config.Settings) (ConnectResult, error) {
	target := fmt.Sprintf("%s:%d", ip, port)
	networkTarget := strings.Contains(ip, ".") || strings.Contains(ip, ":")
	kind := connectionKind(settings, networkTarget)

	opts := driver.ConnectOptions{
		Timeout: time.Duration(settings.ConnectionTimeout) * time.Millisecond,
		ADBPath: settings.CustomADBPath,
	}
	if settings.UseRemoteADB {
		opts.RemoteHost = settings.RemoteADBHost
		opts.RemotePort = settings.RemoteADBPort
	}

	// Best-effort local adb connect; the discovery retry below may still
	// find the device even when this step fails.
	if networkTarget && !settings.UseRemoteADB && !m.containerized {
		if err := m.drv.Connect(ctx, target, opts); err != nil {
			m.logger.Warn("local adb connect step failed", "target", target, "err", err)
		}
	}

	devices, err := m.GetDevices(ctx)
	if err != nil {
		return ConnectResult{}, err
	}
	udid := ""
	for _, dev := range devices {
		if dev.UDID == target || strings.Contains(dev.UDID, ip) {
			udid = dev.UDID
			break
		}
	}
	if udid == "" {
		return ConnectResult{}, errkind.Newf(errkind.DeviceNotFound, "no device matching %s", target)
	}

	if err := m.drv.Connect(ctx, udid, opts); err != nil {
		return ConnectResult{}, err
	}

	if binder, ok := m.drv.(ActorBinder); ok && m.completer != nil {
		binder.SetActor(agent.NewBinding(m.completer, m.sessionContext(settings, kind)))
	}

	details := m.probeDetails(ctx, devices, udid)
	return ConnectResult{UDID: udid, ConnectionKind: kind, Details: details}, nil
}

// sessionContext is the context string handed to the agent binding.
func (m *Manager) sessionContext(settings config.Settings, kind string) string {
	env := "local workstation"
	if m.containerized {
		env = "container"
	}
	parts := []string{
		fmt.Sprintf("Environment: %s.", env),
		fmt.Sprintf("Connection: %s device session.", kind),
	}
	if settings.UseRemoteADB && settings.RemoteADBHost != "" {
		parts = append(parts, fmt.Sprintf("ADB server: %s:%d.", settings.RemoteADBHost, settings.RemoteADBPort))
	}
	return strings.Join(parts, " ")
}

var detailProps = []struct {
	prop  string
	apply func(*DeviceDetails, string)
}{
	{"ro.product.model", func(d *DeviceDetails, v string) { d.Model = v }},
	{"ro.product.manufacturer", func(d *DeviceDetails, v string) { d.Manufacturer = v }},
	{"ro.build.version.release", func(d *DeviceDetails, v string) { d.AndroidVersion = v }},
	{"ro.build.version.sdk", func(d *DeviceDetails, v string) { d.SDKLevel = v }},
	{"ro.product.cpu.abi", func(d *DeviceDetails, v string) { d.CPUABI = v }},
}

func (m *Manager) probeDetails(ctx context.Context, discovered []driver.DeviceInfo, udid string) DeviceDetails {
	details := DeviceDetails{}
	failed := false
	for _, p := range detailProps {
		out, err := m.drv.Shell(ctx, "getprop "+p.prop)
		if err != nil {
			failed = true
			break
		}
		p.apply(&details, strings.TrimSpace(out))
	}
	if failed || details.Model == "" {
		// Fall back to discovery metadata.
		for _, dev := range discovered {
			if dev.UDID == udid {
				if details.Model == "" {
					details.Model = dev.Model
				}
				if details.Manufacturer == "" {
					details.Manufacturer = dev.Manufacturer
				}
				break
			}
		}
	}
	return details
}

// Disconnect runs the teardown chain, collecting step errors without
// aborting. State always ends disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errkind.Wrap(errkind.Cancelled, "device session wait aborted", ctx.Err())
	case m.sem <- struct{}{}:
	}
	defer func() { <-m.sem }()

	var errs []error
	if err := m.drv.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	m.mu.Lock()
	m.session = nil
	m.details = DeviceDetails{}
	m.state = StateDisconnected
	m.mu.Unlock()
	m.logger.Info("session released")
	return errors.Join(errs...)
}

// ReportFailure records a transport failure observed by the session holder
// and drops the session: the device is gone, so the manager must stop
// advertising it. The caller still owns the session slot; only state flips.
func (m *Manager) ReportFailure(err error) {
	if err == nil {
		return
	}
	m.recordFailure(err)
	m.logger.Warn("session lost", "kind", string(errkind.KindOf(err)), "err", err)
}

// TestConnection verifies the session responds to a bounded shell probe.
func (m *Manager) TestConnection(ctx context.Context) error {
	drv, release, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := drv.Shell(ctx, "echo ok")
	if err != nil {
		return err
	}
	if !strings.Contains(out, "ok") {
		return errkind.New(errkind.DriverTransport, "device probe returned unexpected output")
	}
	return nil
}

// UpdateSettings is the single authoritative mutator: defaults, then current,
// then the patch; the environment mirror is rewritten afterwards.
func (m *Manager) UpdateSettings(patch config.Patch) config.Settings {
	m.mu.Lock()
	m.settings = config.Merge(m.settings, patch)
	next := m.settings
	m.mu.Unlock()

	config.ApplyEnvMirror(next)
	if m.store != nil {
		if err := m.store.Save(next); err != nil {
			m.logger.Warn("settings persist failed", "err", err)
		}
	}
	m.logger.LogAttrs(context.Background(), slog.LevelInfo, "settings updated", config.LogAttrs(next)...)
	return next
}

func (m *Manager) Settings() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InFlight reports whether a task currently holds the device session.
func (m *Manager) InFlight() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

func (m *Manager) CurrentSession() (Session, DeviceDetails, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, DeviceDetails{}, false
	}
	return *m.session, m.details, true
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	if m.session != nil {
		m.session.LastError = err.Error()
		m.session.LastErrorAt = time.Now()
	}
	m.session = nil
}

func connectionKind(settings config.Settings, networkTarget bool) string {
	switch {
	case settings.UseRemoteADB:
		return driver.ConnectionRemote
	case networkTarget:
		return driver.ConnectionNetwork
	default:
		return driver.ConnectionUSB
	}
}
