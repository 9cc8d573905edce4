package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
	"github.com/kawayiYokami/angelheart/internal/biz/repo"
)

// staleAnalysisAfter guards against a stuck analysis flag. An analysis
// marker older than this is treated as dead and force-cleared on the
// next gate evaluation.
const staleAnalysisAfter = 5 * time.Minute

// decisionCacheSize bounds the per-conversation decision cache
const decisionCacheSize = 100

// SecretaryConfig contains decision scheduler configuration
type SecretaryConfig struct {
	WaitingTime  time.Duration // cooldown between analyses per conversation
	MentionOnly  bool          // analyze only when an alias was mentioned
	Aliases      []string      // persona names matched by the mention gate
	HistoryLimit int           // long-term history records merged per cycle
	Debug        bool          // log would-be replies without waking generation
}

// DefaultSecretaryConfig returns the default scheduler configuration
func DefaultSecretaryConfig() SecretaryConfig {
	return SecretaryConfig{
		WaitingTime:  7 * time.Second,
		HistoryLimit: 5,
	}
}

// chatState is the per-conversation scheduling state. Owned exclusively
// by the Secretary; all access goes through its mutex.
type chatState struct {
	lastAnalysis   time.Time
	boundary       time.Time // messages at or before this are already judged
	analyzing      bool
	analyzingSince time.Time
	generation     uint64 // bumped on reset; stale analyses are discarded
}

// Secretary consumes cache notifications and decides whether the
// expensive generation stage should wake up. Per conversation it is a
// two-state machine (idle / analyzing) guarded by the cooldown, mention
// and exclusivity gates, in that order.
type Secretary struct {
	cache    *MessageCache
	history  repo.HistoryRepo
	analyzer *Analyzer
	sink     repo.DecisionSink
	cfg      SecretaryConfig
	logger   *zap.Logger

	mu     sync.Mutex
	states map[string]*chatState

	// bounded cache of the latest decision per conversation
	decisions     map[string]*domain.SecretaryDecision
	decisionOrder []string

	analysisTotal uint64
	replyTotal    uint64
	lastAnalyzed  time.Time

	now func() time.Time
}

// NewSecretary creates a decision scheduler
func NewSecretary(
	cache *MessageCache,
	history repo.HistoryRepo,
	analyzer *Analyzer,
	sink repo.DecisionSink,
	cfg SecretaryConfig,
	logger *zap.Logger,
) *Secretary {
	if cfg.WaitingTime <= 0 {
		cfg.WaitingTime = DefaultSecretaryConfig().WaitingTime
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultSecretaryConfig().HistoryLimit
	}
	return &Secretary{
		cache:     cache,
		history:   history,
		analyzer:  analyzer,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		states:    make(map[string]*chatState),
		decisions: make(map[string]*domain.SecretaryDecision),
		now:       time.Now,
	}
}

// OnNotify handles one cache notification for a conversation. It runs
// the three admission gates and, when all pass, performs a full analysis
// cycle synchronously. Gate rejections are normal no-op outcomes.
func (s *Secretary) OnNotify(ctx context.Context, chatID string) {
	now := s.now()

	s.mu.Lock()
	st := s.stateLocked(chatID)

	// recover from a stuck analysis marker before gating
	if st.analyzing && now.Sub(st.analyzingSince) > staleAnalysisAfter {
		s.logger.Warn("clearing stale analysis lock",
			zap.String("chat_id", chatID),
			zap.Time("since", st.analyzingSince))
		st.analyzing = false
	}

	// gate 1: cooldown
	if now.Sub(st.lastAnalysis) < s.cfg.WaitingTime {
		s.mu.Unlock()
		s.logger.Debug("notification gated by cooldown", zap.String("chat_id", chatID))
		return
	}
	boundary := st.boundary
	s.mu.Unlock()

	snapshot := s.cache.Snapshot(chatID, boundary)
	if len(snapshot) == 0 {
		s.logger.Debug("no new messages to analyze", zap.String("chat_id", chatID))
		return
	}

	// gate 2: mention-only. On failure the boundary is left untouched so
	// a later mention still analyzes the whole backlog.
	if s.cfg.MentionOnly && !s.containsAlias(snapshot) {
		s.logger.Debug("notification gated, no alias mention in backlog",
			zap.String("chat_id", chatID),
			zap.Int("backlog", len(snapshot)))
		return
	}

	// gate 3: exclusivity. Acquire the per-conversation analysis flag,
	// then re-verify what gate 1 saw: the lock was dropped for the
	// snapshot, so an analysis in flight back then may have completed in
	// between, starting a fresh cooldown and advancing the boundary the
	// snapshot was taken against.
	s.mu.Lock()
	if st.analyzing {
		s.mu.Unlock()
		s.logger.Debug("notification gated, analysis in flight", zap.String("chat_id", chatID))
		return
	}
	if now.Sub(st.lastAnalysis) < s.cfg.WaitingTime || !st.boundary.Equal(boundary) {
		s.mu.Unlock()
		s.logger.Debug("notification dropped, analysis completed during snapshot",
			zap.String("chat_id", chatID))
		return
	}
	st.analyzing = true
	st.analyzingSince = now
	generation := st.generation
	s.mu.Unlock()

	s.analyze(ctx, chatID, st, generation, snapshot)
}

// analyze performs the ANALYZING half of the cycle: merge context, call
// the analyzer, then fold the result back into the conversation state.
func (s *Secretary) analyze(ctx context.Context, chatID string, st *chatState, generation uint64, snapshot []domain.CachedMessage) {
	// the snapshot boundary is the last observed message, not the wall
	// clock at completion: messages arriving while the model call is in
	// flight stay cached for the next cycle
	snapshotBoundary := snapshot[len(snapshot)-1].Timestamp

	historical := s.loadHistory(ctx, chatID)
	recent := make([]domain.ChatRecord, 0, len(snapshot))
	for _, m := range snapshot {
		recent = append(recent, domain.RecordFromCached(m))
	}

	decision := s.analyzer.Analyze(ctx, historical, recent)

	s.mu.Lock()
	current, ok := s.states[chatID]
	if !ok || current.generation != generation {
		s.mu.Unlock()
		s.logger.Info("discarding analysis result after state reset",
			zap.String("chat_id", chatID))
		return
	}
	now := s.now()
	current.analyzing = false
	current.lastAnalysis = now
	current.boundary = snapshotBoundary
	s.analysisTotal++
	s.lastAnalyzed = now

	decision.Boundary = snapshotBoundary
	s.storeDecisionLocked(chatID, decision)
	if decision.ShouldReply {
		s.replyTotal++
	}
	s.mu.Unlock()

	// judged messages settle into long-term history; the next cycle sees
	// them in the historical section instead of the live snapshot
	s.persistHistory(ctx, chatID, recent)

	s.applyDecision(ctx, chatID, decision, append(historical, recent...))
}

// applyDecision hands a positive decision to the injection sink. Staying
// silent is the common case and must stay cheap.
func (s *Secretary) applyDecision(ctx context.Context, chatID string, decision *domain.SecretaryDecision, records []domain.ChatRecord) {
	if !decision.ShouldReply {
		s.logger.Debug("decision: stay silent",
			zap.String("chat_id", chatID),
			zap.String("strategy", decision.ReplyStrategy))
		return
	}

	s.logger.Info("decision: reply",
		zap.String("chat_id", chatID),
		zap.String("strategy", decision.ReplyStrategy),
		zap.String("topic", decision.Topic),
		zap.String("target", decision.ReplyTarget))

	if s.cfg.Debug {
		s.logger.Info("debug mode enabled, suppressing generation wake-up",
			zap.String("chat_id", chatID))
		return
	}
	if err := s.sink.Inject(ctx, chatID, decision, records, decision.NeedsSearch); err != nil {
		s.logger.Error("context injection failed",
			zap.String("chat_id", chatID),
			zap.Error(err))
	}
}

// Reset clears the scheduling state of a conversation. Safe to call
// mid-analysis: the in-flight result is discarded on generation mismatch.
func (s *Secretary) Reset(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(chatID)
	st.generation++
	st.analyzing = false
	st.lastAnalysis = time.Time{}
	st.boundary = time.Time{}
	if _, ok := s.decisions[chatID]; ok {
		delete(s.decisions, chatID)
		for i, id := range s.decisionOrder {
			if id == chatID {
				s.decisionOrder = append(s.decisionOrder[:i], s.decisionOrder[i+1:]...)
				break
			}
		}
	}
	s.logger.Info("conversation scheduling state reset", zap.String("chat_id", chatID))
}

// Busy reports whether an analysis is in flight for the conversation.
// Used as the presence precondition by the proactive manager.
func (s *Secretary) Busy(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[chatID]
	return ok && st.analyzing
}

// Decision returns the latest cached decision for a conversation, or nil
func (s *Secretary) Decision(chatID string) *domain.SecretaryDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisions[chatID]
}

// Counters reports analysis totals and the time of the last analysis
func (s *Secretary) Counters() (analyses, replies uint64, last time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analysisTotal, s.replyTotal, s.lastAnalyzed
}

func (s *Secretary) stateLocked(chatID string) *chatState {
	st, ok := s.states[chatID]
	if !ok {
		st = &chatState{}
		s.states[chatID] = st
	}
	return st
}

func (s *Secretary) storeDecisionLocked(chatID string, d *domain.SecretaryDecision) {
	if _, exists := s.decisions[chatID]; !exists {
		s.decisionOrder = append(s.decisionOrder, chatID)
		if len(s.decisionOrder) > decisionCacheSize {
			evict := s.decisionOrder[0]
			s.decisionOrder = s.decisionOrder[1:]
			delete(s.decisions, evict)
		}
	}
	s.decisions[chatID] = d
}

func (s *Secretary) loadHistory(ctx context.Context, chatID string) []domain.ChatRecord {
	if s.history == nil {
		return nil
	}
	records, err := s.history.LoadHistory(ctx, chatID, s.cfg.HistoryLimit)
	if err != nil {
		s.logger.Warn("history load failed, analyzing cache only",
			zap.String("chat_id", chatID),
			zap.Error(err))
		return nil
	}
	return records
}

func (s *Secretary) persistHistory(ctx context.Context, chatID string, records []domain.ChatRecord) {
	if s.history == nil {
		return
	}
	for _, rec := range records {
		if err := s.history.Append(ctx, chatID, rec); err != nil {
			s.logger.Warn("history append failed",
				zap.String("chat_id", chatID),
				zap.Error(err))
			return
		}
	}
}

func (s *Secretary) containsAlias(snapshot []domain.CachedMessage) bool {
	for _, m := range snapshot {
		content := m.PlainText()
		for _, alias := range s.cfg.Aliases {
			if alias != "" && strings.Contains(content, alias) {
				return true
			}
		}
	}
	return false
}
