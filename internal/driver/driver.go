package driver

import (
	"context"
	"encoding/json"
	"time"
)

// ConnectionType classifies how a device is reachable.
const (
	ConnectionUSB     = "usb"
	ConnectionNetwork = "network"
	ConnectionRemote  = "remote"
)

type DeviceInfo struct {
	UDID           string `json:"udid"`
	State          string `json:"state"`
	Model          string `json:"model,omitempty"`
	Manufacturer   string `json:"manufacturer,omitempty"`
	Port           int    `json:"port,omitempty"`
	ConnectionType string `json:"connectionType"`
}

type ConnectOptions struct {
	Timeout    time.Duration
	RemoteHost string
	RemotePort int
	ADBPath    string
}

// Actor is the agent capability the driver delegates semantic intent to.
// Implemented by internal/agent; the driver treats results as opaque.
type Actor interface {
	Act(ctx context.Context, instruction string) (string, error)
	Query(ctx context.Context, schema string) (json.RawMessage, error)
}

// Driver narrows the device automation surface so transport, timeout, and
// error taxonomy stay uniform. All errors returned by implementations are
// errkind values.
type Driver interface {
	Discover(ctx context.Context) ([]DeviceInfo, error)
	Connect(ctx context.Context, udid string, opts ConnectOptions) error
	Shell(ctx context.Context, command string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Launch(ctx context.Context, target string) error
	AIAction(ctx context.Context, instruction string) (string, error)
	AIQuery(ctx context.Context, schema string) (json.RawMessage, error)
	Disconnect(ctx context.Context) error
}
