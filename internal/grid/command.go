package grid

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// CommandDecoder runs an external converter that turns a raw forecast file
// into a Zarr group, then decodes that group. Arguments may contain the
// placeholders {input} and {output}.
type CommandDecoder struct {
	Command []string
	// WorkDir receives the converted groups; empty means the OS temp dir.
	WorkDir string
	Zarr    ZarrDecoder
	Logger  *zap.Logger
}

// Decode converts path and loads the result. The converted group is removed
// afterwards.
func (d CommandDecoder) Decode(ctx context.Context, path string) (*Dataset, error) {
	if len(d.Command) == 0 {
		return nil, fmt.Errorf("no decode command configured")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	out, err := os.MkdirTemp(d.WorkDir, "grid-*.zarr")
	if err != nil {
		return nil, fmt.Errorf("failed to create decode directory: %w", err)
	}
	defer os.RemoveAll(out)

	args := make([]string, len(d.Command))
	for i, a := range d.Command {
		a = strings.ReplaceAll(a, "{input}", path)
		args[i] = strings.ReplaceAll(a, "{output}", out)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	logger.Info("running decode command", zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decode command %s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	abs, err := filepath.Abs(out)
	if err != nil {
		return nil, err
	}
	return d.Zarr.Decode(ctx, "file://"+filepath.ToSlash(abs))
}
