package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/ident"
	"github.com/aixgo-dev/agentbus/internal/observability"
	"github.com/aixgo-dev/agentbus/internal/runtime"
	"github.com/aixgo-dev/agentbus/internal/selection"
	metrics "github.com/aixgo-dev/agentbus/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrDynamicMembershipDisabled is returned by AddAgent/RemoveAgent on a fixed swarm
	ErrDynamicMembershipDisabled = errors.New("dynamic agent membership is disabled")

	// ErrBudgetExhausted marks tasks skipped because the swarm's round budget ran out
	ErrBudgetExhausted = errors.New("total round budget exhausted")
)

// TaskStatus is the lifecycle state of a Task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task lifecycle events published when WithEvents is set. They are used as
// the message type, so subscriptions can filter on them.
const (
	EventTaskAssign   = "task.assign"
	EventTaskComplete = "task.complete"
	EventTaskFail     = "task.fail"
)

// CompletionKeywords end a task when a reply contains any of them, ignoring case.
var CompletionKeywords = []string{"TASK_COMPLETE", "TERMINATE", "DONE"}

// Task is one unit of swarm work.
type Task struct {
	ID            string           `json:"id" yaml:"id"`
	Description   string           `json:"description" yaml:"description"`
	Status        TaskStatus       `json:"status" yaml:"status"`
	AssignedAgent string           `json:"assigned_agent,omitempty" yaml:"assigned_agent,omitempty"`
	Messages      []*agent.Message `json:"messages" yaml:"messages"`
	Result        *agent.Message   `json:"result,omitempty" yaml:"result,omitempty"`
	Error         string           `json:"error,omitempty" yaml:"error,omitempty"`
	Rounds        int              `json:"rounds" yaml:"rounds"`
}

func (t *Task) clone() Task {
	c := *t
	c.Messages = append([]*agent.Message(nil), t.Messages...)
	return c
}

// SwarmResult summarises a Run.
type SwarmResult struct {
	Tasks       []Task           `json:"tasks" yaml:"tasks"`
	Completed   []Task           `json:"completed" yaml:"completed"`
	Failed      []Task           `json:"failed" yaml:"failed"`
	Messages    []*agent.Message `json:"messages" yaml:"messages"`
	TotalRounds int              `json:"total_rounds" yaml:"total_rounds"`
}

// Publisher is the part of the bus the swarm needs for lifecycle events.
type Publisher interface {
	PublishMessage(ctx context.Context, msg *agent.Message, topic ident.TopicID, opts ...runtime.SendOption) error
}

// Swarm assigns tasks to agents one at a time. Each task runs until an
// agent signals completion or the per-task round limit is hit; a global
// round budget caps the whole run.
type Swarm struct {
	*BaseOrchestrator

	selector         selection.Selector
	maxRoundsPerTask int
	maxTotalRounds   int
	dynamic          bool
	events           Publisher
	eventTopic       ident.TopicID
	logger           *slog.Logger

	runMu sync.Mutex

	mu           sync.RWMutex
	agents       []agent.Agent
	tasks        []*Task
	nextTaskID   int
	lastAssigned agent.Agent
}

// SwarmOption configures a Swarm orchestrator
type SwarmOption func(*Swarm)

// WithSelector sets the strategy used to assign tasks (round-robin by default)
func WithSelector(sel selection.Selector) SwarmOption {
	return func(s *Swarm) {
		if sel != nil {
			s.selector = sel
		}
	}
}

// WithMaxRoundsPerTask sets how many agent turns one task may take
func WithMaxRoundsPerTask(n int) SwarmOption {
	return func(s *Swarm) {
		if n > 0 {
			s.maxRoundsPerTask = n
		}
	}
}

// WithMaxTotalRounds sets the round budget shared by all tasks of a run
func WithMaxTotalRounds(n int) SwarmOption {
	return func(s *Swarm) {
		if n > 0 {
			s.maxTotalRounds = n
		}
	}
}

// WithDynamicMembership allows AddAgent and RemoveAgent
func WithDynamicMembership(enabled bool) SwarmOption {
	return func(s *Swarm) {
		s.dynamic = enabled
	}
}

// WithEvents publishes task lifecycle events on topic
func WithEvents(pub Publisher, topic ident.TopicID) SwarmOption {
	return func(s *Swarm) {
		s.events = pub
		s.eventTopic = topic
	}
}

// WithSwarmLogger sets the swarm logger
func WithSwarmLogger(logger *slog.Logger) SwarmOption {
	return func(s *Swarm) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSwarm creates a new Swarm orchestrator
func NewSwarm(name string, agents []agent.Agent, opts ...SwarmOption) *Swarm {
	s := &Swarm{
		BaseOrchestrator: NewBaseOrchestrator(name, "swarm"),
		selector:         selection.NewRoundRobin(),
		maxRoundsPerTask: 10,
		maxTotalRounds:   100,
		logger:           slog.Default(),
		agents:           append([]agent.Agent(nil), agents...),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("swarm", name)
	return s
}

// AddAgent adds a member. Adding a name that is already present does nothing.
func (s *Swarm) AddAgent(a agent.Agent) error {
	if !s.dynamic {
		return ErrDynamicMembershipDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := selection.FindByName(s.agents, a.Name()); ok {
		return nil
	}
	s.agents = append(s.agents, a)
	return nil
}

// RemoveAgent removes the member with the given name, if present.
func (s *Swarm) RemoveAgent(name string) error {
	if !s.dynamic {
		return ErrDynamicMembershipDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.agents {
		if a.Name() == name {
			s.agents = append(s.agents[:i], s.agents[i+1:]...)
			break
		}
	}
	return nil
}

// Agents returns the current members
func (s *Swarm) Agents() []agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]agent.Agent(nil), s.agents...)
}

// Tasks returns a snapshot of every task this swarm has created
func (s *Swarm) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.clone()
	}
	return out
}

// RunOption configures a single Run
type RunOption func(*runOptions)

type runOptions struct {
	agent agent.Agent
}

// WithAgent assigns every task of the run to a, bypassing the selector
func WithAgent(a agent.Agent) RunOption {
	return func(o *runOptions) {
		o.agent = a
	}
}

// Run creates one task per description and works through them in order.
// Task failures are recorded on the task and never stop the run; the
// returned error is non-nil only when ctx ends first or the swarm is stopped.
func (s *Swarm) Run(ctx context.Context, descriptions []string, opts ...RunOption) (*SwarmResult, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ro := &runOptions{}
	for _, opt := range opts {
		opt(ro)
	}

	ctx, span := observability.StartSpanWithOtel(ctx, fmt.Sprintf("orchestration.swarm.%s", s.name),
		trace.WithAttributes(
			attribute.String("orchestration.pattern", "swarm"),
			attribute.Int("orchestration.tasks", len(descriptions)),
			attribute.Int("orchestration.max_rounds_per_task", s.maxRoundsPerTask),
			attribute.Int("orchestration.max_total_rounds", s.maxTotalRounds),
		),
	)
	defer span.End()
	startTime := time.Now()

	tasks := s.createTasks(descriptions)
	totalRounds := 0

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			s.fail(ctx, task, err)
			continue
		}
		if totalRounds >= s.maxTotalRounds {
			s.fail(ctx, task, ErrBudgetExhausted)
			continue
		}

		assignee, err := s.assign(ctx, task, ro.agent)
		if err != nil {
			s.fail(ctx, task, fmt.Errorf("assignment failed: %w", err))
			continue
		}
		totalRounds += s.execute(ctx, task, assignee)
	}

	result := s.summarize(tasks, totalRounds)
	span.SetAttributes(
		attribute.Int64("orchestration.duration_ms", time.Since(startTime).Milliseconds()),
		attribute.Int("orchestration.completed", len(result.Completed)),
		attribute.Int("orchestration.failed", len(result.Failed)),
		attribute.Int("orchestration.total_rounds", totalRounds),
	)
	s.logger.Info("swarm run finished",
		"tasks", len(tasks), "completed", len(result.Completed), "failed", len(result.Failed), "rounds", totalRounds)
	return result, ctx.Err()
}

// Execute runs input as a single task and returns its result.
func (s *Swarm) Execute(ctx context.Context, input *agent.Message) (*agent.Message, error) {
	if input == nil {
		return nil, errors.New("swarm: nil input")
	}
	res, err := s.Run(ctx, []string{input.Content})
	if err != nil {
		return nil, err
	}
	task := res.Tasks[0]
	if task.Status == TaskFailed {
		return nil, fmt.Errorf("task %s failed: %s", task.ID, task.Error)
	}
	return task.Result, nil
}

func (s *Swarm) createTasks(descriptions []string) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*Task, 0, len(descriptions))
	for _, d := range descriptions {
		s.nextTaskID++
		t := &Task{
			ID:          fmt.Sprintf("task-%d", s.nextTaskID),
			Description: d,
			Status:      TaskPending,
			Messages:    []*agent.Message{agent.NewMessage(agent.TypeTask, s.name, d)},
		}
		s.tasks = append(s.tasks, t)
		tasks = append(tasks, t)
	}
	return tasks
}

func (s *Swarm) assign(ctx context.Context, task *Task, override agent.Agent) (agent.Agent, error) {
	chosen := override
	if chosen == nil {
		s.mu.RLock()
		candidates := append([]agent.Agent(nil), s.agents...)
		history := append([]*agent.Message(nil), task.Messages...)
		last := s.lastAssigned
		s.mu.RUnlock()

		var err error
		chosen, err = s.selector.SelectSpeaker(ctx, candidates, history, last)
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.lastAssigned = chosen
	task.Status = TaskInProgress
	task.AssignedAgent = chosen.Name()
	s.mu.Unlock()

	s.logger.Debug("task assigned", "task", task.ID, "agent", chosen.Name())
	s.emit(ctx, EventTaskAssign, task, "")
	return chosen, nil
}

// execute runs the task's conversation and returns how many replies it produced.
func (s *Swarm) execute(ctx context.Context, task *Task, assignee agent.Agent) int {
	ctx, span := observability.StartSpanWithOtel(ctx, "orchestration.swarm.task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.agent", assignee.Name()),
		),
	)
	defer span.End()

	produced := 0
	var last *agent.Message
	current := assignee

	for round := 0; round < s.maxRoundsPerTask; round++ {
		s.mu.RLock()
		history := append([]*agent.Message(nil), task.Messages...)
		s.mu.RUnlock()

		reply, err := current.GenerateReply(ctx, history, nil)
		if err != nil {
			span.RecordError(err)
			s.fail(ctx, task, fmt.Errorf("agent %s failed: %w", current.Name(), err))
			return produced
		}
		if reply == nil {
			reply = agent.NewMessage(agent.TypeText, current.Name(), "")
		}
		if reply.Source == "" {
			reply.Source = current.Name()
		}

		s.mu.Lock()
		task.Messages = append(task.Messages, reply)
		task.Rounds++
		s.mu.Unlock()
		produced++
		last = reply

		if isComplete(reply.Content) {
			break
		}
		if next, ok := s.handoffTarget(reply); ok {
			s.logger.Debug("task handed off", "task", task.ID, "from", current.Name(), "to", next.Name())
			current = next
			s.mu.Lock()
			task.AssignedAgent = next.Name()
			s.mu.Unlock()
		}
	}

	span.SetAttributes(attribute.Int("task.rounds", produced))
	s.complete(ctx, task, last)
	return produced
}

func (s *Swarm) handoffTarget(reply *agent.Message) (agent.Agent, bool) {
	name, ok := extractHandoff(reply)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, found := selection.FindByName(s.agents, name)
	if !found {
		s.logger.Warn("ignoring handoff to unknown agent", "target", name)
	}
	return target, found
}

func (s *Swarm) complete(ctx context.Context, task *Task, result *agent.Message) {
	s.mu.Lock()
	task.Status = TaskCompleted
	task.Result = result
	rounds := task.Rounds
	s.mu.Unlock()

	metrics.RecordTask(string(TaskCompleted), rounds)
	s.emit(ctx, EventTaskComplete, task, "")
}

func (s *Swarm) fail(ctx context.Context, task *Task, err error) {
	s.mu.Lock()
	task.Status = TaskFailed
	task.Error = err.Error()
	rounds := task.Rounds
	s.mu.Unlock()

	s.logger.Warn("task failed", "task", task.ID, "error", err)
	metrics.RecordTask(string(TaskFailed), rounds)
	s.emit(ctx, EventTaskFail, task, err.Error())
}

func (s *Swarm) emit(ctx context.Context, event string, task *Task, errText string) {
	if s.events == nil {
		return
	}
	s.mu.RLock()
	msg := agent.NewMessage(event, s.name, task.Description).
		WithMetadata("task_id", task.ID).
		WithMetadata("status", string(task.Status)).
		WithMetadata("agent", task.AssignedAgent)
	s.mu.RUnlock()
	if errText != "" {
		msg.WithMetadata("error", errText)
	}

	// Tasks failed by cancellation still report.
	if err := s.events.PublishMessage(context.WithoutCancel(ctx), msg, s.eventTopic); err != nil {
		s.logger.Warn("failed to publish task event", "event", event, "task", task.ID, "error", err)
	}
}

func (s *Swarm) summarize(tasks []*Task, totalRounds int) *SwarmResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := &SwarmResult{TotalRounds: totalRounds}
	for _, t := range tasks {
		snapshot := t.clone()
		res.Tasks = append(res.Tasks, snapshot)
		switch t.Status {
		case TaskCompleted:
			res.Completed = append(res.Completed, snapshot)
		case TaskFailed:
			res.Failed = append(res.Failed, snapshot)
		}
		res.Messages = append(res.Messages, t.Messages...)
	}
	return res
}

func isComplete(content string) bool {
	upper := strings.ToUpper(content)
	for _, kw := range CompletionKeywords {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}
