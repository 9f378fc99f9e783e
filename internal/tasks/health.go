package tasks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"lifeline/internal/domain"
	"lifeline/internal/scheduler"
)

const maxHealthOutput = 512

// healthCheck runs the configured shell command; a non-zero exit fails the
// task. The command is killed when the executor stops waiting.
func healthCheck(ctx context.Context, tc *scheduler.TickContext, _ *scheduler.TaskEnv) (domain.TaskResult, error) {
	if tc.Config == nil || strings.TrimSpace(tc.Config.Tasks.HealthCommand) == "" {
		return domain.TaskResult{Message: "no health command configured"}, nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", tc.Config.Tasks.HealthCommand)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("health command error: %v; out=%s", err, truncate(out, maxHealthOutput))
	}
	return domain.TaskResult{Message: "healthy"}, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
