package coord

import (
	"context"
	"fmt"

	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/projection"
	"github.com/untoldecay/hive/internal/types"
)

// Agents manages swarm membership.
type Agents struct {
	events *event.Store
}

// NewAgents wraps an event store.
func NewAgents(events *event.Store) *Agents {
	return &Agents{events: events}
}

// Register announces an agent. Re-registering the same (project, name)
// refreshes program, model, and task.
func (a *Agents) Register(ctx context.Context, projectKey, name, program, model, task string) error {
	if name == "" {
		return fmt.Errorf("%w: agent name required", types.ErrInvalid)
	}
	_, err := a.events.Append(ctx, types.EventAgentRegistered, projectKey,
		projection.AgentRegisteredData{Name: name, Program: program, Model: model, Task: task})
	return err
}

// Heartbeat advances the agent's last_active_at.
func (a *Agents) Heartbeat(ctx context.Context, projectKey, name string) error {
	_, err := a.events.Append(ctx, types.EventAgentActive, projectKey,
		projection.AgentRegisteredData{Name: name})
	return err
}

// List returns a project's agents ordered by most recent activity.
func (a *Agents) List(ctx context.Context, projectKey string) ([]types.Agent, error) {
	rows, err := a.events.DB().Query(ctx, `
		SELECT project_key, name, program, model, task, registered_at, last_active_at
		FROM agents WHERE project_key = ?
		ORDER BY last_active_at DESC
	`, projectKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []types.Agent
	for rows.Next() {
		var ag types.Agent
		if err := rows.Scan(&ag.ProjectKey, &ag.Name, &ag.Program, &ag.Model,
			&ag.Task, &ag.RegisteredAt, &ag.LastActiveAt); err != nil {
			return nil, err
		}
		out = append(out, ag)
	}
	return out, rows.Err()
}
