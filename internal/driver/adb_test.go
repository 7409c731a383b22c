package driver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"nexus/server/internal/errkind"
)

type fakeExec struct {
	calls   [][]string
	outputs map[string][]byte
	errs    map[string]error
}

func newFakeExec() *fakeExec {
	return &fakeExec{outputs: map[string][]byte{}, errs: map[string]error{}}
}

func (f *fakeExec) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	key := strings.Join(args, " ")
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return f.outputs[key], nil
}

const devicesListing = `List of devices attached
emulator-5554          device product:sdk_gphone64 model:sdk_gphone64_x86_64 transport_id:1
192.168.1.50:5555      device model:Pixel_7 device:panther
192.168.1.99:5555      offline
`

func TestParseDevices(t *testing.T) {
	devices := parseDevices([]byte(devicesListing))
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}
	if devices[0].UDID != "emulator-5554" || devices[0].ConnectionType != ConnectionUSB {
		t.Fatalf("usb device parse: %+v", devices[0])
	}
	if devices[1].Model != "Pixel 7" || devices[1].Port != 5555 || devices[1].ConnectionType != ConnectionNetwork {
		t.Fatalf("network device parse: %+v", devices[1])
	}
	if devices[2].State != "offline" {
		t.Fatalf("offline state parse: %+v", devices[2])
	}
}

func TestConnect_NetworkDevice(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["connect 192.168.1.50:5555"] = []byte("connected to 192.168.1.50:5555")
	fe.outputs["devices -l"] = []byte(devicesListing)

	d := NewADBDriver(fe, nil, nil)
	if err := d.Connect(context.Background(), "192.168.1.50:5555", ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := d.session(); err != nil {
		t.Fatalf("session should be live: %v", err)
	}
}

func TestConnect_DeviceAbsent(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["connect 10.0.0.1:5555"] = []byte("connected to 10.0.0.1:5555")
	fe.outputs["devices -l"] = []byte("List of devices attached\n")

	d := NewADBDriver(fe, nil, nil)
	err := d.Connect(context.Background(), "10.0.0.1:5555", ConnectOptions{})
	if !errkind.IsKind(err, errkind.DeviceNotFound) {
		t.Fatalf("expected device_not_found, got %v", err)
	}
}

func TestConnect_RefusedOutput(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["connect 10.0.0.2:5555"] = []byte("failed to connect to 10.0.0.2:5555")

	d := NewADBDriver(fe, nil, nil)
	err := d.Connect(context.Background(), "10.0.0.2:5555", ConnectOptions{})
	if !errkind.IsKind(err, errkind.DriverTransport) {
		t.Fatalf("expected driver_transport, got %v", err)
	}
}

func TestShell_RequiresSession(t *testing.T) {
	d := NewADBDriver(newFakeExec(), nil, nil)
	_, err := d.Shell(context.Background(), "getprop ro.product.model")
	if !errkind.IsKind(err, errkind.NotConnected) {
		t.Fatalf("expected not_connected, got %v", err)
	}
}

func TestShell_TransportErrorClassified(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["connect 192.168.1.50:5555"] = []byte("connected")
	fe.outputs["devices -l"] = []byte(devicesListing)
	fe.errs["-s 192.168.1.50:5555 shell echo ok"] = errors.New("error: device offline")

	d := NewADBDriver(fe, nil, nil)
	if err := d.Connect(context.Background(), "192.168.1.50:5555", ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := d.Shell(context.Background(), "echo ok")
	if !errkind.IsKind(err, errkind.DriverTransport) {
		t.Fatalf("expected driver_transport, got %v", err)
	}
}

func TestScreenshot_ValidatesPNG(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["connect 192.168.1.50:5555"] = []byte("connected")
	fe.outputs["devices -l"] = []byte(devicesListing)
	fe.outputs["-s 192.168.1.50:5555 exec-out screencap -p"] = []byte("not a png")

	d := NewADBDriver(fe, nil, nil)
	if err := d.Connect(context.Background(), "192.168.1.50:5555", ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := d.Screenshot(context.Background()); !errkind.IsKind(err, errkind.DriverTransport) {
		t.Fatalf("expected driver_transport on bad magic, got %v", err)
	}

	fe.outputs["-s 192.168.1.50:5555 exec-out screencap -p"] = append([]byte{0x89, 'P', 'N', 'G'}, []byte("...")...)
	png, err := d.Screenshot(context.Background())
	if err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	if len(png) != 7 {
		t.Fatalf("unexpected png size: %d", len(png))
	}
}

func TestLaunch_URLVersusPackage(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["connect 192.168.1.50:5555"] = []byte("connected")
	fe.outputs["devices -l"] = []byte(devicesListing)

	d := NewADBDriver(fe, nil, nil)
	if err := d.Connect(context.Background(), "192.168.1.50:5555", ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := d.Launch(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("launch url: %v", err)
	}
	if err := d.Launch(context.Background(), "com.android.calculator2"); err != nil {
		t.Fatalf("launch package: %v", err)
	}

	last := strings.Join(fe.calls[len(fe.calls)-1], " ")
	if !strings.Contains(last, "monkey -p com.android.calculator2") {
		t.Fatalf("package launch should use monkey: %s", last)
	}
	prev := strings.Join(fe.calls[len(fe.calls)-2], " ")
	if !strings.Contains(prev, "android.intent.action.VIEW") {
		t.Fatalf("url launch should use VIEW intent: %s", prev)
	}
}

func TestRemoteHostFlags(t *testing.T) {
	fe := newFakeExec()
	d := NewADBDriver(fe, nil, nil)
	_ = d.Connect(context.Background(), "192.168.1.50:5555", ConnectOptions{RemoteHost: "adb.internal", RemotePort: 5037})

	for _, call := range fe.calls {
		joined := strings.Join(call, " ")
		if !strings.Contains(joined, "-H adb.internal -P 5037") {
			t.Fatalf("remote host flags missing in call: %s", joined)
		}
	}
}

type stubActor struct {
	acted string
}

func (s *stubActor) Act(_ context.Context, instruction string) (string, error) {
	s.acted = instruction
	return "done", nil
}

func (s *stubActor) Query(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func TestAIAction_DelegatesToActor(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["connect 192.168.1.50:5555"] = []byte("connected")
	fe.outputs["devices -l"] = []byte(devicesListing)

	actor := &stubActor{}
	d := NewADBDriver(fe, actor, nil)
	if err := d.Connect(context.Background(), "192.168.1.50:5555", ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	out, err := d.AIAction(context.Background(), "tap the login button")
	if err != nil || out != "done" {
		t.Fatalf("ai action: %q %v", out, err)
	}
	if actor.acted != "tap the login button" {
		t.Fatalf("instruction not delegated: %q", actor.acted)
	}
}
