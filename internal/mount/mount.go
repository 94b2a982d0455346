package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"drb/internal/logging"
	"drb/internal/tool"
)

// terminateGrace is how long holders get to exit after SIGTERM.
var terminateGrace = time.Second

// Mounter owns every temporary mount drb makes. Mounts live in scopes under
// BaseDir and are released in reverse order.
type Mounter struct {
	Runner  tool.Runner
	BaseDir string
	// Protected lists process names stuck-mount cleanup never signals.
	Protected []string
	// TerminateHolders allows sending SIGTERM to processes keeping a mount busy.
	TerminateHolders bool
	// ProcRoot is where process names are read from; empty means /proc.
	ProcRoot string
	Logger   *slog.Logger
}

func (m *Mounter) log() *slog.Logger {
	return logging.OrDefault(m.Logger)
}

// Scope is a uuid-named directory holding related mounts.
type Scope struct {
	m   *Mounter
	Dir string

	mu       sync.Mutex
	mounted  []string
	released bool
}

// NewScope creates <BaseDir>/<uuid>.
func (m *Mounter) NewScope() (*Scope, error) {
	dir := filepath.Join(m.BaseDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create mount scope: %w", err)
	}
	return &Scope{m: m, Dir: dir}, nil
}

// Mount mounts dev at <scope>/<name> and returns the mountpoint.
func (s *Scope) Mount(ctx context.Context, dev, name string, options ...string) (string, error) {
	target := filepath.Join(s.Dir, name)
	if err := s.MountAt(ctx, dev, target, options...); err != nil {
		return "", err
	}
	return target, nil
}

// MountAt mounts dev at target, which may lie inside an earlier mount.
func (s *Scope) MountAt(ctx context.Context, dev, target string, options ...string) error {
	args := []string{}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, dev, target)
	return s.mount(ctx, target, tool.Command{Name: "mount", Args: args})
}

// Bind bind-mounts src at target.
func (s *Scope) Bind(ctx context.Context, src, target string) error {
	return s.mount(ctx, target, tool.Command{Name: "mount", Args: []string{"--bind", src, target}})
}

func (s *Scope) mount(ctx context.Context, target string, cmd tool.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errors.New("mount scope already released")
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create mountpoint %s: %w", target, err)
	}
	if err := s.m.Runner.Run(ctx, cmd).Err(); err != nil {
		return fmt.Errorf("failed to mount %s: %w", target, err)
	}
	s.mounted = append(s.mounted, target)
	s.m.log().Debug("Mounted", "target", target)
	return nil
}

// Close unmounts everything in reverse order and removes the scope
// directory. It runs even when ctx is already cancelled.
func (s *Scope) Close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	var errs []error
	for i := len(s.mounted) - 1; i >= 0; i-- {
		if err := s.m.Unmount(ctx, s.mounted[i]); err != nil {
			errs = append(errs, err)
		}
	}
	s.mounted = nil

	if len(errs) == 0 {
		if err := os.RemoveAll(s.Dir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove mount scope: %w", err))
		}
	} else {
		s.m.log().Warn("Mount scope left in place", "dir", s.Dir)
	}
	return errors.Join(errs...)
}

// Unmount releases target, escalating from a plain umount to terminating
// unprotected holders (when allowed) and finally a lazy unmount.
func (m *Mounter) Unmount(ctx context.Context, target string) error {
	res := m.Runner.Run(ctx, tool.Command{Name: "umount", Args: []string{target}})
	if res.OK() {
		return nil
	}
	m.log().Warn("Unmount failed", "target", target, "error", res.Err())

	if m.TerminateHolders {
		if n := m.terminateHolders(ctx, target); n > 0 {
			time.Sleep(terminateGrace)
			if m.Runner.Run(ctx, tool.Command{Name: "umount", Args: []string{target}}).OK() {
				return nil
			}
		}
	}

	lazy := m.Runner.Run(ctx, tool.Command{Name: "umount", Args: []string{"-l", target}})
	if !lazy.OK() {
		return fmt.Errorf("failed to unmount %s: %w", target, lazy.Err())
	}
	m.log().Warn("Lazily unmounted busy mount", "target", target)
	return nil
}

func (m *Mounter) terminateHolders(ctx context.Context, target string) int {
	var out strings.Builder
	m.Runner.Run(ctx, tool.Command{Name: "fuser", Args: []string{"-m", target}, Stdout: &out})

	terminated := 0
	for _, pid := range ParseFuserPIDs(out.String()) {
		comm := m.processName(pid)
		if m.isProtected(comm) {
			m.log().Info("Leaving protected process alone", "pid", pid, "name", comm, "target", target)
			continue
		}
		res := m.Runner.Run(ctx, tool.Command{Name: "kill", Args: []string{"-TERM", strconv.Itoa(pid)}})
		if !res.OK() {
			m.log().Warn("Failed to terminate mount holder", "pid", pid, "name", comm, "error", res.Err())
			continue
		}
		m.log().Warn("Terminated mount holder", "pid", pid, "name", comm, "target", target)
		terminated++
	}
	return terminated
}

func (m *Mounter) processName(pid int) string {
	root := m.ProcRoot
	if root == "" {
		root = "/proc"
	}
	data, err := os.ReadFile(filepath.Join(root, strconv.Itoa(pid), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// isProtected matches comm against each protected name as a prefix, so one
// entry covers a family such as sshd, sshd-session and sshd-auth. Unknown
// process names are treated as protected.
func (m *Mounter) isProtected(comm string) bool {
	if comm == "" {
		return true
	}
	return slices.ContainsFunc(m.Protected, func(name string) bool {
		return name != "" && strings.HasPrefix(comm, name)
	})
}

// ParseFuserPIDs extracts the pids from `fuser -m` output, which may carry
// the mountpoint prefix and access-type suffixes such as "1234c".
func ParseFuserPIDs(out string) []int {
	if i := strings.LastIndex(out, ":"); i >= 0 {
		out = out[i+1:]
	}
	var pids []int
	for _, field := range strings.Fields(out) {
		field = strings.TrimRight(field, "cefFrm")
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
