// Package discover finds running Power BI Desktop model instances on this
// machine and auto-matches them to detected source connections by name.
package discover

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/adapters"
	"github.com/analytic-endeavors/hotswap-engine/pkg/config"
)

// Scanner enumerates local Analysis Services engine instances spawned by
// Power BI Desktop. Each open report runs one msmdsrv child listening on an
// ephemeral localhost port; the owning Desktop process carries the report
// path on its command line.
type Scanner struct {
	engineExe  string
	desktopExe string
	logger     *zap.Logger
}

// NewScanner creates a process scanner using the executable names from cfg.
func NewScanner(cfg config.ProcessConfig, logger *zap.Logger) *Scanner {
	return &Scanner{
		engineExe:  cfg.EngineExecutable,
		desktopExe: cfg.DesktopExecutable,
		logger:     logger.Named("model-scanner"),
	}
}

// Scan walks the process table and returns one LocalModel per running engine
// instance, ordered by port. Instances that cannot be fully described (no
// listening port yet, parent gone mid-scan) are skipped with a warning.
//
// Database is left empty: a Desktop engine instance hosts exactly one
// catalog, and connecting without naming it selects that catalog.
func (s *Scanner) Scan(ctx context.Context) ([]*adapters.LocalModel, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var found []*adapters.LocalModel
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil || !strings.EqualFold(name, s.engineExe) {
			continue
		}
		model, err := s.describeInstance(ctx, proc)
		if err != nil {
			s.logger.Warn("Failed to describe engine instance",
				zap.Int32("pid", proc.Pid),
				zap.Error(err))
			continue
		}
		found = append(found, model)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Port < found[j].Port })
	s.logger.Debug("Scanned for local models", zap.Int("found", len(found)))
	return found, nil
}

func (s *Scanner) describeInstance(ctx context.Context, proc *process.Process) (*adapters.LocalModel, error) {
	port := listeningPort(ctx, proc)
	if port == 0 {
		return nil, fmt.Errorf("engine pid %d has no listening port", proc.Pid)
	}

	model := &adapters.LocalModel{
		Server:    fmt.Sprintf("localhost:%d", port),
		Port:      port,
		EnginePID: proc.Pid,
	}

	if parent, err := proc.ParentWithContext(ctx); err == nil && parent != nil {
		pname, nameErr := parent.NameWithContext(ctx)
		if nameErr == nil && strings.EqualFold(pname, s.desktopExe) {
			model.DesktopPID = parent.Pid
			model.ReportPath = reportPathFromArgs(ctx, parent)
		}
	}

	if model.ReportPath != "" {
		model.Name = ReportBaseName(model.ReportPath)
	} else {
		model.Name = "Power BI model"
	}
	return model, nil
}

// listeningPort returns the first port the process is listening on, or 0.
func listeningPort(ctx context.Context, proc *process.Process) int {
	conns, err := proc.ConnectionsWithContext(ctx)
	if err != nil {
		return 0
	}
	for _, conn := range conns {
		if conn.Status == "LISTEN" && conn.Laddr.Port > 0 {
			return int(conn.Laddr.Port)
		}
	}
	return 0
}

// reportPathFromArgs extracts the report file path from a Desktop process
// command line. Desktop is launched with the report path as a bare argument,
// so the first .pbix/.pbip-suffixed token wins.
func reportPathFromArgs(ctx context.Context, proc *process.Process) string {
	args, err := proc.CmdlineSliceWithContext(ctx)
	if err != nil || len(args) < 2 {
		return ""
	}
	for _, arg := range args[1:] {
		candidate := strings.Trim(arg, `"`)
		if IsReportPath(candidate) {
			return candidate
		}
	}
	return ""
}

// IsReportPath reports whether path names a Power BI report file.
func IsReportPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".pbix") || strings.HasSuffix(lower, ".pbip")
}

// ReportBaseName returns the report file name without directory or extension,
// the name Desktop shows in its title bar. Both slash styles are handled
// because stored report paths keep their Windows form.
func ReportBaseName(path string) string {
	base := filepath.Base(strings.ReplaceAll(path, `\`, "/"))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
