package catalog

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strings"

	"drb/internal/tool"
)

// GetSystemInfo describes the host taking the backup.
func GetSystemInfo(ctx context.Context, runner tool.Runner) SystemInfo {
	info := SystemInfo{Hostname: "unknown", OS: "unknown", Kernel: "unknown"}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		if name := osReleaseName(data); name != "" {
			info.OS = name
		}
	}

	res := runner.Run(ctx, tool.Command{Name: "uname", Args: []string{"-r"}})
	if res.OK() {
		info.Kernel = strings.TrimSpace(res.Output)
	}

	return info
}

func osReleaseName(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}
