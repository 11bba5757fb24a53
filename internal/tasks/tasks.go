package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nerrad567/agrilogic-core/internal/automation"
	"github.com/nerrad567/agrilogic-core/internal/infrastructure/config"
)

// TypeCreateWorkTask is the asynq task type carrying an automation.WorkTask.
const TypeCreateWorkTask = "farm:task:create"

const (
	defaultQueue    = "farm-tasks"
	urgentSuffix    = "-urgent"
	enqueueTimeout  = 30 * time.Second
	taskRetention   = 7 * 24 * time.Hour
	defaultMaxRetry = 5
)

// Enqueuer is the subset of *asynq.Client the producer needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ automation.TaskCreator = (*Producer)(nil)

// Producer enqueues work items.
type Producer struct {
	client   Enqueuer
	queue    string
	maxRetry int
}

// NewProducer creates a producer enqueueing on queue. Urgent and high
// priority items go to the queue's urgent companion.
func NewProducer(client Enqueuer, queue string, maxRetry int) *Producer {
	if queue == "" {
		queue = defaultQueue
	}
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetry
	}
	return &Producer{client: client, queue: queue, maxRetry: maxRetry}
}

// NewClient opens an asynq client on the configured Redis.
func NewClient(cfg config.RedisConfig) *asynq.Client {
	return asynq.NewClient(RedisOpt(cfg))
}

// RedisOpt converts the Redis config to asynq connection options.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}

// Queues returns the asynq server queue weights for base and its urgent
// companion.
func Queues(base string) map[string]int {
	if base == "" {
		base = defaultQueue
	}
	return map[string]int{base + urgentSuffix: 6, base: 3}
}

// QueueFor returns the queue a task of priority p is enqueued on.
func (p *Producer) QueueFor(priority automation.TaskPriority) string {
	switch priority {
	case automation.TaskUrgent, automation.TaskHigh:
		return p.queue + urgentSuffix
	default:
		return p.queue
	}
}

// CreateTask implements automation.TaskCreator. The work item id doubles as
// the asynq task id, so a re-sent item is not queued twice.
func (p *Producer) CreateTask(ctx context.Context, task automation.WorkTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshalling work task: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(p.QueueFor(task.Priority)),
		asynq.MaxRetry(p.maxRetry),
		asynq.Timeout(enqueueTimeout),
		asynq.Retention(taskRetention),
	}
	if task.ID != "" {
		opts = append(opts, asynq.TaskID(task.ID))
	}
	if task.DueBy != nil {
		opts = append(opts, asynq.Deadline(*task.DueBy))
	}

	_, err = p.client.EnqueueContext(ctx, asynq.NewTask(TypeCreateWorkTask, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueueing work task for rule %s: %w", task.RuleID, err)
	}
	return nil
}

// ParseWorkTask decodes the payload of a TypeCreateWorkTask task.
func ParseWorkTask(t *asynq.Task) (automation.WorkTask, error) {
	var task automation.WorkTask
	if t.Type() != TypeCreateWorkTask {
		return task, fmt.Errorf("unexpected task type %q", t.Type())
	}
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return task, fmt.Errorf("decoding work task: %w: %w", err, asynq.SkipRetry)
	}
	return task, nil
}

// NewServeMux routes TypeCreateWorkTask tasks to handle.
func NewServeMux(handle func(ctx context.Context, task automation.WorkTask) error) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeCreateWorkTask, func(ctx context.Context, t *asynq.Task) error {
		task, err := ParseWorkTask(t)
		if err != nil {
			return err
		}
		return handle(ctx, task)
	})
	return mux
}
