package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegiv/weblog-scanner/internal/ai"
)

var checkedAt = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func newTestChecker(useSystemctl bool, procs map[int32]string, state string, sysErr error) *Checker {
	c := NewChecker(useSystemctl, nil)
	c.now = func() time.Time { return checkedAt }
	c.listProcesses = func(context.Context) (map[int32]string, error) { return procs, nil }
	c.runSystemctl = func(context.Context, ...string) (string, error) { return state, sysErr }
	return c
}

func TestCheck_SystemctlActive(t *testing.T) {
	c := newTestChecker(true, nil, "active", nil)

	st := c.Check(context.Background(), "nginx")

	assert.True(t, st.Running)
	assert.Equal(t, MethodSystemctl, st.Method)
	assert.Equal(t, "active", st.State)
	assert.Equal(t, checkedAt, st.CheckedAt)
}

func TestCheck_SystemctlInactiveKeepsState(t *testing.T) {
	c := newTestChecker(true, map[int32]string{1: "nginx"}, "inactive", errors.New("exit status 3"))

	st := c.Check(context.Background(), "nginx")

	assert.False(t, st.Running)
	assert.Equal(t, MethodSystemctl, st.Method)
	assert.Equal(t, "inactive", st.State)
}

func TestCheck_FallsBackToProcessScan(t *testing.T) {
	procs := map[int32]string{10: "nginx", 11: "nginx", 20: "sshd"}
	c := newTestChecker(true, procs, "", errors.New(`exec: "systemctl": executable file not found`))

	st := c.Check(context.Background(), "nginx")

	assert.True(t, st.Running)
	assert.Equal(t, MethodProcess, st.Method)
	assert.ElementsMatch(t, []int32{10, 11}, st.PIDs)
}

func TestCheck_ProcessScanOnly(t *testing.T) {
	c := newTestChecker(false, map[int32]string{5: "sshd"}, "active", nil)

	st := c.Check(context.Background(), "nginx")

	assert.False(t, st.Running)
	assert.Equal(t, MethodProcess, st.Method)
	assert.Equal(t, "stopped", st.State)
	assert.Empty(t, st.PIDs)
}

func TestCheck_ProcessListError(t *testing.T) {
	c := newTestChecker(false, nil, "", nil)
	c.listProcesses = func(context.Context) (map[int32]string, error) {
		return nil, errors.New("permission denied")
	}

	st := c.Check(context.Background(), "nginx")

	require.Error(t, st.Err)
	assert.False(t, st.Running)
}

func TestMatchesService(t *testing.T) {
	tests := []struct {
		name    string
		service string
		want    bool
	}{
		{"nginx", "nginx", true},
		{"NGINX", "nginx", true},
		{"php-fpm8.2", "php-fpm", true},
		{"php-fpm: master process", "php-fpm", true},
		{"nginx-debug", "nginx", true},
		{"nginxfoo", "nginx", false},
		{"ngin", "nginx", false},
		{"sshd", "nginx", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchesService(tt.name, tt.service), "%s vs %s", tt.name, tt.service)
	}
}

func TestStatusResult_Running(t *testing.T) {
	st := Status{Service: "nginx", Running: true, Method: MethodProcess, State: "running", PIDs: []int32{1, 2}, CheckedAt: checkedAt}

	res := st.Result()

	require.True(t, res.OK())
	assert.Equal(t, "service_status", res.LogType)
	assert.Equal(t, "2026-10-19T08:00:00Z", res.Timestamp)
	assert.Empty(t, res.Findings())
	assert.Equal(t, "nginx is running (2 processes).", res.Summary())
}

func TestStatusResult_Down(t *testing.T) {
	st := Status{Service: "nginx", Method: MethodSystemctl, State: "failed", CheckedAt: checkedAt}

	res := st.Result()

	require.True(t, res.OK())
	require.Len(t, res.Findings(), 1)
	assert.Equal(t, ai.SeverityCritical, res.MaxSeverity())
	assert.Contains(t, res.Findings()[0].Description, "state: failed")
}

func TestStatusResult_Error(t *testing.T) {
	st := Status{Service: "nginx", Err: errors.New("boom"), CheckedAt: checkedAt}

	res := st.Result()

	require.False(t, res.OK())
	assert.Equal(t, ai.ErrorKindInternal, res.Failure.Kind)
	assert.Equal(t, "boom", res.Failure.Detail)
	assert.Equal(t, "service_status", res.LogType)
}
