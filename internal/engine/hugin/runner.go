package hugin

import (
	"context"
	"os/exec"
	"path/filepath"
)

// Runner executes one Hugin command line tool and returns its combined
// output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools from BinDir, or from PATH when BinDir is empty.
type ExecRunner struct {
	BinDir string
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	bin := name
	if r.BinDir != "" {
		bin = filepath.Join(r.BinDir, name)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	return cmd.CombinedOutput()
}
