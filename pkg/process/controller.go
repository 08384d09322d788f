// Package process drives Power BI Desktop processes and their report files
// around a thin-report swap: locating the instance that owns a file, closing
// it, waiting for the file lock to drop, and relaunching the file afterwards.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/adapters"
	"github.com/analytic-endeavors/hotswap-engine/pkg/apperrors"
	"github.com/analytic-endeavors/hotswap-engine/pkg/config"
)

// exitPollInterval paces the wait for a terminated process to leave the
// process table.
const exitPollInterval = 250 * time.Millisecond

// controller is the stock gopsutil-backed ProcessController.
type controller struct {
	cfg    config.ProcessConfig
	logger *zap.Logger
}

// NewController creates the default ProcessController. Graceful close is a
// terminate signal plus a bounded wait; shells that can drive the Desktop
// window (menu automation, WM_CLOSE) should wrap or replace this with their
// own implementation.
func NewController(cfg config.ProcessConfig, logger *zap.Logger) adapters.ProcessController {
	return &controller{
		cfg:    cfg,
		logger: logger.Named("process-controller"),
	}
}

// FindReportProcess scans the process table for a Desktop instance whose
// command line names path.
func (c *controller) FindReportProcess(ctx context.Context, path string) (*adapters.ReportProcess, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil || !strings.EqualFold(name, c.cfg.DesktopExecutable) {
			continue
		}
		args, err := proc.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		for _, arg := range args {
			if SamePath(strings.Trim(arg, `"`), path) {
				return &adapters.ReportProcess{
					PID:        proc.Pid,
					Executable: name,
					FilePath:   path,
				}, nil
			}
		}
	}
	return nil, fmt.Errorf("no running instance has %s open: %w",
		filepath.Base(path), apperrors.ErrModelNotOpen)
}

// SaveFile is unsupported by the stock controller: saving needs UI
// automation against the Desktop window, which the engine does not do.
// Callers treat the unsupported error as a skipped save, and the close
// prompt still protects unsaved work.
func (c *controller) SaveFile(ctx context.Context, pid int32, timeout time.Duration) error {
	c.logger.Debug("Save request skipped", zap.Int32("pid", pid))
	return fmt.Errorf("save file for pid %d: %w", pid, errors.ErrUnsupported)
}

// CloseGracefully signals the process to terminate and waits up to timeout
// for it to exit.
func (c *controller) CloseGracefully(ctx context.Context, pid int32, timeout time.Duration) error {
	proc, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		// Already gone.
		return nil
	}
	if err := proc.TerminateWithContext(ctx); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if err := c.waitForExit(ctx, proc, timeout); err != nil {
		return fmt.Errorf("graceful close of pid %d: %w", pid, err)
	}
	c.logger.Info("Closed process", zap.Int32("pid", pid))
	return nil
}

// ForceClose kills the process and waits briefly for it to disappear.
func (c *controller) ForceClose(ctx context.Context, pid int32) error {
	proc, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil
	}
	if err := proc.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if err := c.waitForExit(ctx, proc, c.cfg.ForceCloseTimeout()); err != nil {
		return fmt.Errorf("force close of pid %d: %w", pid, err)
	}
	c.logger.Warn("Force-closed process", zap.Int32("pid", pid))
	return nil
}

func (c *controller) waitForExit(ctx context.Context, proc *gopsproc.Process, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		running, err := proc.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("still running after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(exitPollInterval):
		}
	}
}

// WaitForFileUnlock polls path with an exclusive open until the lock drops
// or timeout elapses. A missing file fails immediately; that is a caller
// bug, not a lock.
func (c *controller) WaitForFileUnlock(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	poll := c.cfg.FileUnlockPoll()

	for {
		err := probeExclusive(path)
		if err == nil {
			return nil
		}
		if os.IsNotExist(err) {
			return fmt.Errorf("wait for unlock: %w", err)
		}
		if time.Now().After(deadline) {
			c.logger.Error("File lock never released",
				zap.String("file", filepath.Base(path)),
				zap.Duration("timeout", timeout))
			return fmt.Errorf("%s still locked after %s: %w",
				filepath.Base(path), timeout, apperrors.ErrFileLocked)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// probeExclusive attempts a read-write open. While Desktop holds the file
// the open fails with a sharing violation.
func probeExclusive(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

// ReopenFile hands path to the platform file launcher. The caller verifies
// the instance came back by polling FindReportProcess.
func (c *controller) ReopenFile(ctx context.Context, path string) error {
	name, args := launchCommand(runtime.GOOS, path)
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("reopen %s: %w", filepath.Base(path), err)
	}
	// The launcher hands off to the shell; its own exit status says nothing
	// about Desktop, so the handle is released without waiting.
	go func() { _ = cmd.Wait() }()
	c.logger.Info("Relaunched report file", zap.String("file", filepath.Base(path)))
	return nil
}

// launchCommand returns the OS file-launcher invocation for path.
func launchCommand(goos, path string) (string, []string) {
	switch goos {
	case "windows":
		return "cmd", []string{"/c", "start", "", path}
	case "darwin":
		return "open", []string{path}
	default:
		return "xdg-open", []string{path}
	}
}

// SamePath compares two report paths, ignoring case and slash style.
func SamePath(a, b string) bool {
	return strings.EqualFold(normalizePath(a), normalizePath(b))
}

func normalizePath(p string) string {
	return strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
}
