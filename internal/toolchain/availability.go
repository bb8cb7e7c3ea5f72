package toolchain

import (
	"os/exec"
	"strings"
)

// ToolStatus reports whether an external binary this pipeline depends on
// is present on $PATH and, where obtainable, its version string.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Err       error
}

// CheckTool resolves binaryName on $PATH and tries a version probe. The
// probe's exit code is ignored: several tools (ffmpeg included) exit
// non-zero for a bare version flag but still print a usable banner.
func CheckTool(binaryName string, versionArgs ...string) ToolStatus {
	path, err := exec.LookPath(binaryName)
	if err != nil {
		return ToolStatus{Available: false, Err: err}
	}
	if len(versionArgs) == 0 {
		return ToolStatus{Available: true, Path: path}
	}

	cmd := exec.Command(binaryName, versionArgs...)
	output, _ := cmd.CombinedOutput()
	return ToolStatus{Available: true, Path: path, Version: extractVersion(string(output))}
}

// CheckAll probes colmap, ffmpeg, and ffprobe using the resolved paths
// from config, returning one ToolStatus per logical tool name.
func CheckAll(colmapPath, ffmpegPath, ffprobePath string) map[string]ToolStatus {
	return map[string]ToolStatus{
		"colmap":  CheckTool(colmapPath),
		"ffmpeg":  CheckTool(ffmpegPath, "-version"),
		"ffprobe": CheckTool(ffprobePath, "-version"),
	}
}

func extractVersion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return "unknown"
}
