package fsutil

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"fisheyepano/internal/config"
)

// HuginTools are the binaries the registration engine runs.
var HuginTools = []string{"pto_gen", "cpfind", "cpclean", "linefind", "autooptimiser", "pano_modify", "nona", "enblend"}

// ToolManager reports on the external binaries a run depends on.
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     error  `json:"-"`
}

func (tm *ToolManager) binary(name string) string {
	if tm.cfg.Tools.HuginPath != "" && name != "ffmpeg" {
		return filepath.Join(tm.cfg.Tools.HuginPath, name)
	}
	if name == "ffmpeg" && tm.cfg.Tools.FFmpeg != "" {
		return tm.cfg.Tools.FFmpeg
	}
	return name
}

// CheckTool verifies if a tool is available and working. "hugin" checks every
// binary in HuginTools.
func (tm *ToolManager) CheckTool(ctx context.Context, toolName string) ToolStatus {
	var versionCmd []string
	switch toolName {
	case "hugin":
		for _, tool := range HuginTools {
			if _, err := exec.LookPath(tm.binary(tool)); err != nil {
				return ToolStatus{Available: false, Error: fmt.Errorf("missing hugin tool: %s", tool)}
			}
		}
		toolName = "pto_gen"
		versionCmd = []string{"--help"}
	case "ffmpeg":
		versionCmd = []string{"-version"}
	case "enblend":
		versionCmd = []string{"--version"}
	}

	path, err := exec.LookPath(tm.binary(toolName))
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	if versionCmd == nil {
		return ToolStatus{Available: true, Path: path}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, versionCmd...).CombinedOutput()
	if err != nil {
		// pto_gen exits non-zero after printing its help
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetToolStatus checks the stitching and encoding tools.
func (tm *ToolManager) GetToolStatus(ctx context.Context) map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	for _, tool := range []string{"hugin", "enblend", "ffmpeg"} {
		status[tool] = tm.CheckTool(ctx, tool)
	}
	return status
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
