// Package health probes whether the web server process is alive and turns
// the outcome into a service_status result.
package health

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/olegiv/weblog-scanner/internal/ai"
	"github.com/olegiv/weblog-scanner/internal/analyzer"
	"github.com/olegiv/weblog-scanner/internal/logging"
)

// Probe methods recorded in Status.Method.
const (
	MethodSystemctl = "systemctl"
	MethodProcess   = "process"
)

// Status is the outcome of one service check.
type Status struct {
	Service   string
	Running   bool
	Method    string
	State     string // systemctl state, or "running"/"stopped" for process scans
	PIDs      []int32
	Err       error
	CheckedAt time.Time
}

// Checker looks the service up through systemctl and falls back to a
// process table scan when systemctl is unavailable.
type Checker struct {
	useSystemctl bool
	log          *logging.SecureLogger
	now          func() time.Time

	// Overridable for tests.
	listProcesses func(ctx context.Context) (map[int32]string, error)
	runSystemctl  func(ctx context.Context, args ...string) (string, error)
}

// NewChecker creates a checker. A nil logger discards output.
func NewChecker(useSystemctl bool, log *logging.SecureLogger) *Checker {
	if log == nil {
		log = logging.Nop()
	}
	return &Checker{
		useSystemctl:  useSystemctl,
		log:           log,
		now:           time.Now,
		listProcesses: processNames,
		runSystemctl:  systemctl,
	}
}

// Check reports whether service is running.
func (c *Checker) Check(ctx context.Context, service string) Status {
	st := Status{Service: service, CheckedAt: c.now().UTC()}

	if c.useSystemctl {
		state, err := c.runSystemctl(ctx, "is-active", service)
		if state != "" {
			st.Method = MethodSystemctl
			st.State = state
			st.Running = state == "active"
			c.log.Debug().
				Str("service", service).
				Str("state", state).
				Msg("Service state from systemctl")
			return st
		}
		c.log.Debug().Err(err).Msg("systemctl unavailable, scanning process table")
	}

	st.Method = MethodProcess
	procs, err := c.listProcesses(ctx)
	if err != nil {
		st.Err = fmt.Errorf("failed to list processes: %w", err)
		return st
	}
	for pid, name := range procs {
		if matchesService(name, service) {
			st.PIDs = append(st.PIDs, pid)
		}
	}
	st.Running = len(st.PIDs) > 0
	if st.Running {
		st.State = "running"
	} else {
		st.State = "stopped"
	}
	return st
}

// matchesService accepts the exact name or a versioned variant such as
// php-fpm8.2 for php-fpm.
func matchesService(name, service string) bool {
	name = strings.ToLower(name)
	service = strings.ToLower(service)
	if name == service {
		return true
	}
	if !strings.HasPrefix(name, service) {
		return false
	}
	rest := name[len(service):]
	return rest[0] == ':' || rest[0] == '-' || (rest[0] >= '0' && rest[0] <= '9')
}

// Result converts the status into a service_status result.
func (s Status) Result() *ai.Result {
	var res *ai.Result
	switch {
	case s.Err != nil:
		res = ai.NewFailure(&ai.Failure{
			Kind:    ai.ErrorKindInternal,
			Message: fmt.Sprintf("unable to determine %s status", s.Service),
			Detail:  s.Err.Error(),
		})
	case s.Running:
		summary := fmt.Sprintf("%s is running (%s: %s).", s.Service, s.Method, s.State)
		if len(s.PIDs) > 0 {
			summary = fmt.Sprintf("%s is running (%d processes).", s.Service, len(s.PIDs))
		}
		res = ai.NewSuccess(nil, summary)
	default:
		res = ai.NewSuccess([]ai.Finding{{
			Severity:       string(ai.SeverityCritical),
			Description:    fmt.Sprintf("Service %s is not running (state: %s).", s.Service, s.State),
			Recommendation: fmt.Sprintf("Check 'systemctl status %s' and the error log, then restart the service.", s.Service),
		}}, fmt.Sprintf("%s is down.", s.Service))
	}
	res.LogType = string(analyzer.StreamServiceStatus)
	res.Timestamp = s.CheckedAt.Format(time.RFC3339)
	return res
}

func processNames(ctx context.Context) (map[int32]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int32]string, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // process exited or access denied
		}
		names[p.Pid] = name
	}
	return names, nil
}

// systemctl returns the trimmed output. "systemctl is-active" exits
// non-zero for inactive units, so output is kept even when err is set.
func systemctl(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "systemctl", args...).Output()
	return strings.TrimSpace(string(out)), err
}
