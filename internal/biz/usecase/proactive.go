package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
	"github.com/kawayiYokami/angelheart/internal/biz/repo"
)

// ProactiveConfig contains proactive manager configuration
type ProactiveConfig struct {
	DeferInterval time.Duration // wait between deferred fire attempts
	MaxDeferrals  int           // attempts before a blocked fire is dropped
}

// DefaultProactiveConfig returns the default proactive configuration
func DefaultProactiveConfig() ProactiveConfig {
	return ProactiveConfig{
		DeferInterval: 5 * time.Second,
		MaxDeferrals:  3,
	}
}

// PresenceChecker reports whether a conversation is currently busy
// (analysis or response in flight). A busy conversation defers proactive
// fires instead of dropping them.
type PresenceChecker interface {
	Busy(chatID string) bool
}

// TriggerFunc is a registered custom-trigger predicate. It evaluates its
// own condition and, when satisfied, calls back into one of the
// Trigger* methods itself.
type TriggerFunc func(ctx context.Context, chatID string, contextData map[string]any) (bool, error)

type taskEntry struct {
	task      *domain.ProactiveTask
	job       gocron.Job
	deferrals int
	fired     bool
}

// ProactiveManager owns the per-conversation autonomous task registry.
// Invariant: at most one active task per conversation id; competing
// triggers fail with false instead of overwriting.
type ProactiveManager struct {
	scheduler gocron.Scheduler
	sink      repo.DecisionSink
	presence  PresenceChecker
	cfg       ProactiveConfig
	logger    *zap.Logger

	mu       sync.Mutex
	tasks    map[string]*taskEntry
	triggers map[string]TriggerFunc

	now func() time.Time
}

// NewProactiveManager creates and starts a proactive manager
func NewProactiveManager(sink repo.DecisionSink, presence PresenceChecker, cfg ProactiveConfig, logger *zap.Logger) (*ProactiveManager, error) {
	if cfg.DeferInterval <= 0 {
		cfg.DeferInterval = DefaultProactiveConfig().DeferInterval
	}
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = DefaultProactiveConfig().MaxDeferrals
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	m := &ProactiveManager{
		scheduler: scheduler,
		sink:      sink,
		presence:  presence,
		cfg:       cfg,
		logger:    logger,
		tasks:     make(map[string]*taskEntry),
		triggers:  make(map[string]TriggerFunc),
		now:       time.Now,
	}
	scheduler.Start()
	return m, nil
}

// TriggerImmediate fires a proactive decision on the next scheduling
// tick. Returns false if the conversation already has an active task.
func (m *ProactiveManager) TriggerImmediate(chatID, strategy, topic string, contextData map[string]any, callback domain.TaskCallback) bool {
	task := m.newTask(chatID, domain.TriggerImmediate, strategy, topic, contextData, callback)
	task.FireAt = m.now()
	return m.schedule(task, gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()))
}

// TriggerDelayed schedules a proactive fire after the given delay
func (m *ProactiveManager) TriggerDelayed(chatID, strategy, topic string, delay time.Duration, contextData map[string]any, callback domain.TaskCallback) bool {
	if delay < 0 {
		delay = 0
	}
	task := m.newTask(chatID, domain.TriggerDelayed, strategy, topic, contextData, callback)
	task.FireAt = m.now().Add(delay)
	return m.schedule(task, gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(task.FireAt)))
}

// TriggerScheduled schedules a proactive fire at an absolute time. A
// time in the past behaves as an immediate trigger.
func (m *ProactiveManager) TriggerScheduled(chatID, strategy, topic string, at time.Time, contextData map[string]any, callback domain.TaskCallback) bool {
	task := m.newTask(chatID, domain.TriggerScheduled, strategy, topic, contextData, callback)
	task.FireAt = at
	if !at.After(m.now()) {
		task.FireAt = m.now()
		return m.schedule(task, gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()))
	}
	return m.schedule(task, gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)))
}

// RegisterCustomTrigger adds a named trigger predicate
func (m *ProactiveManager) RegisterCustomTrigger(name string, fn TriggerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[name] = fn
	m.logger.Info("custom trigger registered", zap.String("name", name))
}

// UnregisterCustomTrigger removes a named trigger predicate
func (m *ProactiveManager) UnregisterCustomTrigger(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[name]; ok {
		delete(m.triggers, name)
		m.logger.Info("custom trigger unregistered", zap.String("name", name))
	}
}

// CallCustomTrigger evaluates a registered trigger. A missing name, a
// predicate error or a panic all yield false; one bad predicate never
// crashes the caller.
func (m *ProactiveManager) CallCustomTrigger(ctx context.Context, name, chatID string, contextData map[string]any) (triggered bool) {
	m.mu.Lock()
	fn, ok := m.triggers[name]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("custom trigger not found", zap.String("name", name))
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("custom trigger panicked",
				zap.String("name", name),
				zap.String("chat_id", chatID),
				zap.Any("panic", r))
			triggered = false
		}
	}()

	if contextData == nil {
		contextData = map[string]any{}
	}
	result, err := fn(ctx, chatID, contextData)
	if err != nil {
		m.logger.Error("custom trigger failed",
			zap.String("name", name),
			zap.String("chat_id", chatID),
			zap.Error(err))
		return false
	}
	return result
}

// ActiveTasks returns a read-only view of all pending tasks keyed by
// conversation id.
func (m *ProactiveManager) ActiveTasks() map[string]domain.TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.TaskInfo, len(m.tasks))
	for chatID, entry := range m.tasks {
		out[chatID] = entry.task.Info()
	}
	return out
}

// CancelChatTask cancels the pending task for a conversation. Idempotent:
// cancelling an already-fired or unknown task returns false.
func (m *ProactiveManager) CancelChatTask(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(chatID)
}

// Cleanup cancels all pending tasks and shuts the scheduler down.
// Required on shutdown so no timer fires against torn-down state.
func (m *ProactiveManager) Cleanup() {
	m.mu.Lock()
	for chatID := range m.tasks {
		m.cancelLocked(chatID)
	}
	m.mu.Unlock()

	if err := m.scheduler.Shutdown(); err != nil {
		m.logger.Warn("scheduler shutdown failed", zap.Error(err))
	}
	m.logger.Info("proactive manager cleaned up")
}

func (m *ProactiveManager) newTask(chatID string, trigger domain.TriggerType, strategy, topic string, contextData map[string]any, callback domain.TaskCallback) *domain.ProactiveTask {
	if contextData == nil {
		contextData = map[string]any{}
	}
	return &domain.ProactiveTask{
		ID:          uuid.New(),
		ChatID:      chatID,
		Trigger:     trigger,
		Strategy:    strategy,
		Topic:       topic,
		ContextData: contextData,
		CreatedAt:   m.now(),
		Callback:    callback,
	}
}

// schedule registers the task and arms its timer. Fails (false) when the
// conversation already has an active task.
func (m *ProactiveManager) schedule(task *domain.ProactiveTask, def gocron.JobDefinition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ChatID]; exists {
		m.logger.Debug("proactive trigger rejected, task already active",
			zap.String("chat_id", task.ChatID),
			zap.String("trigger", string(task.Trigger)))
		return false
	}

	entry := &taskEntry{task: task}
	job, err := m.scheduler.NewJob(def,
		gocron.NewTask(func() { m.fire(task.ID) }),
		gocron.WithName("proactive_"+task.ChatID),
	)
	if err != nil {
		m.logger.Error("failed to schedule proactive task",
			zap.String("chat_id", task.ChatID),
			zap.Error(err))
		return false
	}
	entry.job = job
	m.tasks[task.ChatID] = entry

	m.logger.Info("proactive task scheduled",
		zap.String("chat_id", task.ChatID),
		zap.String("trigger", string(task.Trigger)),
		zap.String("topic", task.Topic),
		zap.Time("fire_at", task.FireAt))
	return true
}

// fire runs when a task's timer elapses. It re-checks the presence
// precondition and defers a bounded number of times before giving up.
func (m *ProactiveManager) fire(taskID uuid.UUID) {
	m.mu.Lock()
	var entry *taskEntry
	var chatID string
	for id, e := range m.tasks {
		if e.task.ID == taskID {
			entry, chatID = e, id
			break
		}
	}
	if entry == nil || entry.fired {
		// cancelled (or already firing) between timer expiry and now
		m.mu.Unlock()
		return
	}

	if m.presence != nil && m.presence.Busy(chatID) {
		if entry.deferrals >= m.cfg.MaxDeferrals {
			m.removeLocked(chatID, entry)
			m.mu.Unlock()
			m.logger.Warn("proactive fire abandoned, conversation stayed busy",
				zap.String("chat_id", chatID),
				zap.Int("deferrals", entry.deferrals))
			return
		}
		entry.deferrals++
		retryAt := m.now().Add(m.cfg.DeferInterval)
		job, err := m.scheduler.NewJob(
			gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(retryAt)),
			gocron.NewTask(func() { m.fire(taskID) }),
			gocron.WithName("proactive_retry_"+chatID),
		)
		if err == nil {
			_ = m.scheduler.RemoveJob(entry.job.ID())
			entry.job = job
			m.mu.Unlock()
			m.logger.Debug("proactive fire deferred, conversation busy",
				zap.String("chat_id", chatID),
				zap.Int("attempt", entry.deferrals))
			return
		}
		// rescheduling failed, fall through and fire anyway
		m.logger.Warn("deferral scheduling failed, firing now",
			zap.String("chat_id", chatID),
			zap.Error(err))
	}

	entry.fired = true
	task := entry.task
	m.removeLocked(chatID, entry)
	m.mu.Unlock()

	decision := domain.ProactiveDecision(task.Strategy, task.Topic).Sanitize()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.sink.Inject(ctx, chatID, decision, nil, decision.NeedsSearch); err != nil {
		m.logger.Error("proactive injection failed",
			zap.String("chat_id", chatID),
			zap.Error(err))
	} else {
		m.logger.Info("proactive decision fired",
			zap.String("chat_id", chatID),
			zap.String("topic", task.Topic),
			zap.String("strategy", task.Strategy))
	}

	if task.Callback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("proactive callback panicked",
						zap.String("chat_id", chatID),
						zap.Any("panic", r))
				}
			}()
			task.Callback(chatID, decision, task.ContextData)
		}()
	}
}

func (m *ProactiveManager) cancelLocked(chatID string) bool {
	entry, ok := m.tasks[chatID]
	if !ok {
		return false
	}
	m.removeLocked(chatID, entry)
	m.logger.Debug("proactive task cancelled", zap.String("chat_id", chatID))
	return true
}

func (m *ProactiveManager) removeLocked(chatID string, entry *taskEntry) {
	if entry.job != nil {
		_ = m.scheduler.RemoveJob(entry.job.ID())
	}
	delete(m.tasks, chatID)
}
