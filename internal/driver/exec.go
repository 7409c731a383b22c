package driver

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type Exec interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type RealExec struct{}

func (r *RealExec) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}
