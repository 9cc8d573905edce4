package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
)

type sinkCall struct {
	chatID      string
	decision    *domain.SecretaryDecision
	records     []domain.ChatRecord
	needsSearch bool
}

type mockSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (m *mockSink) Inject(_ context.Context, chatID string, decision *domain.SecretaryDecision, records []domain.ChatRecord, needsSearch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sinkCall{chatID, decision, records, needsSearch})
	return nil
}

func (m *mockSink) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockSink) call(i int) sinkCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

// capturingModel records every user prompt and always returns the same reply
type capturingModel struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (m *capturingModel) Chat(_ context.Context, _ string, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, user)
	return m.reply, nil
}

func (m *capturingModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *capturingModel) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

// blockingModel parks every call until released, tracking concurrency
type blockingModel struct {
	started     chan struct{}
	release     chan struct{}
	reply       string
	calls       int32
	inFlight    int32
	maxInFlight int32
}

func newBlockingModel(reply string) *blockingModel {
	return &blockingModel{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
		reply:   reply,
	}
}

func (m *blockingModel) Chat(_ context.Context, _ string, _ string) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	cur := atomic.AddInt32(&m.inFlight, 1)
	for {
		max := atomic.LoadInt32(&m.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&m.maxInFlight, max, cur) {
			break
		}
	}
	m.started <- struct{}{}
	<-m.release
	atomic.AddInt32(&m.inFlight, -1)
	return m.reply, nil
}

const silentReply = `{"should_reply": false, "reply_strategy": "继续观察", "topic": "闲聊"}`
const replyReply = `{"should_reply": true, "reply_strategy": "技术指导", "topic": "部署", "reply_target": "Alice", "needs_search": true}`

type secretaryHarness struct {
	cache     *MessageCache
	sink      *mockSink
	secretary *Secretary
}

func newSecretaryHarness(model *capturingModel, cfg SecretaryConfig) *secretaryHarness {
	logger := zap.NewNop()
	cache := NewMessageCache(DefaultCacheConfig(), logger)
	analyzer := newTestAnalyzer(model, DefaultAnalyzerConfig())
	sink := &mockSink{}
	return &secretaryHarness{
		cache:     cache,
		sink:      sink,
		secretary: NewSecretary(cache, nil, analyzer, sink, cfg, logger),
	}
}

func TestCooldownGateAndBoundaryAdvance(t *testing.T) {
	model := &capturingModel{reply: silentReply}
	h := newSecretaryHarness(model, SecretaryConfig{WaitingTime: 7 * time.Second})

	base := time.Now()
	clock := base.Add(2 * time.Second)
	h.secretary.now = func() time.Time { return clock }

	h.cache.Ingest("g1", domain.TextMessage("u1", "Alice", "第一条", base))
	h.cache.Ingest("g1", domain.TextMessage("u2", "Bob", "第二条", base.Add(time.Second)))
	h.cache.Ingest("g1", domain.TextMessage("u1", "Alice", "第三条", base.Add(2*time.Second)))

	h.secretary.OnNotify(context.Background(), "g1")
	require.Equal(t, 1, model.callCount())
	assert.Contains(t, model.lastPrompt(), "第一条")
	assert.Contains(t, model.lastPrompt(), "第三条")

	// still inside the waiting window: gated, no second call
	clock = base.Add(5 * time.Second)
	h.cache.Ingest("g1", domain.TextMessage("u2", "Bob", "第四条", base.Add(4*time.Second)))
	h.secretary.OnNotify(context.Background(), "g1")
	assert.Equal(t, 1, model.callCount())

	// cooldown elapsed: only the message past the boundary is analyzed
	clock = base.Add(10 * time.Second)
	h.secretary.OnNotify(context.Background(), "g1")
	require.Equal(t, 2, model.callCount())
	assert.Contains(t, model.lastPrompt(), "第四条")
	assert.NotContains(t, model.lastPrompt(), "第一条")
}

func TestNotifyWithoutNewMessagesIsNoop(t *testing.T) {
	model := &capturingModel{reply: silentReply}
	h := newSecretaryHarness(model, SecretaryConfig{WaitingTime: time.Second})

	h.secretary.OnNotify(context.Background(), "g1")
	assert.Equal(t, 0, model.callCount())
}

func TestMentionGateHoldsBoundaryUntilAliasAppears(t *testing.T) {
	model := &capturingModel{reply: silentReply}
	h := newSecretaryHarness(model, SecretaryConfig{
		WaitingTime: time.Millisecond,
		MentionOnly: true,
		Aliases:     []string{"小天使", "AngelHeart"},
	})

	base := time.Now().Add(-time.Minute)
	h.cache.Ingest("g1", domain.TextMessage("u1", "Alice", "今天天气不错", base))
	h.cache.Ingest("g1", domain.TextMessage("u2", "Bob", "是啊", base.Add(time.Second)))
	h.secretary.OnNotify(context.Background(), "g1")
	h.secretary.OnNotify(context.Background(), "g1")
	assert.Equal(t, 0, model.callCount(), "no alias mention, no analysis")

	// the alias arrives: the whole held-back backlog goes into the prompt
	h.cache.Ingest("g1", domain.TextMessage("u1", "Alice", "小天使 你怎么看", base.Add(2*time.Second)))
	h.secretary.OnNotify(context.Background(), "g1")
	require.Equal(t, 1, model.callCount())
	assert.Contains(t, model.lastPrompt(), "今天天气不错")
	assert.Contains(t, model.lastPrompt(), "小天使 你怎么看")
}

func TestExclusivityGateAllowsSingleAnalysis(t *testing.T) {
	logger := zap.NewNop()
	model := newBlockingModel(silentReply)
	cache := NewMessageCache(DefaultCacheConfig(), logger)
	analyzer := newTestAnalyzer(model, DefaultAnalyzerConfig())
	sink := &mockSink{}
	secretary := NewSecretary(cache, nil, analyzer, sink, SecretaryConfig{WaitingTime: time.Millisecond}, logger)

	cache.Ingest("g1", domain.TextMessage("u1", "Alice", "并发测试", time.Now()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		secretary.OnNotify(context.Background(), "g1")
	}()
	<-model.started

	// concurrent notifications bounce off the exclusivity gate
	secretary.OnNotify(context.Background(), "g1")
	secretary.OnNotify(context.Background(), "g1")
	assert.True(t, secretary.Busy("g1"))

	close(model.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&model.maxInFlight))
	assert.False(t, secretary.Busy("g1"))
	analyses, _, _ := secretary.Counters()
	assert.Equal(t, uint64(1), analyses)
}

// A notification that passes the cooldown while an analysis is in
// flight must not start a second analysis of the same backlog once the
// flag is freed: the burst gets exactly one analysis and one wake-up.
func TestRacingNotifierCannotReanalyzeBurst(t *testing.T) {
	logger := zap.NewNop()
	model := newBlockingModel(replyReply)
	cache := NewMessageCache(DefaultCacheConfig(), logger)
	analyzer := newTestAnalyzer(model, DefaultAnalyzerConfig())
	sink := &mockSink{}
	secretary := NewSecretary(cache, nil, analyzer, sink, SecretaryConfig{WaitingTime: time.Hour}, logger)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 50; i++ {
		cache.Ingest("g1", domain.TextMessage("u1", "Alice",
			time.Duration(i).String(), base.Add(time.Duration(i)*time.Millisecond)))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		secretary.OnNotify(context.Background(), "g1")
	}()
	<-model.started

	// hammer the scheduler with notifications that straddle the moment
	// the in-flight analysis completes and frees the flag
	stop := make(chan struct{})
	var racer sync.WaitGroup
	for i := 0; i < 4; i++ {
		racer.Add(1)
		go func() {
			defer racer.Done()
			for {
				select {
				case <-stop:
					return
				default:
					secretary.OnNotify(context.Background(), "g1")
				}
			}
		}()
	}

	close(model.release)
	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	close(stop)
	racer.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&model.calls),
		"one burst must yield exactly one analysis within the waiting window")
	assert.Equal(t, 1, sink.callCount(), "generation must be woken at most once per burst")
	analyses, _, _ := secretary.Counters()
	assert.Equal(t, uint64(1), analyses)
}

func TestResetDiscardsInFlightResult(t *testing.T) {
	logger := zap.NewNop()
	model := newBlockingModel(replyReply)
	cache := NewMessageCache(DefaultCacheConfig(), logger)
	analyzer := newTestAnalyzer(model, DefaultAnalyzerConfig())
	sink := &mockSink{}
	secretary := NewSecretary(cache, nil, analyzer, sink, SecretaryConfig{WaitingTime: time.Millisecond}, logger)

	cache.Ingest("g1", domain.TextMessage("u1", "Alice", "重置测试", time.Now()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		secretary.OnNotify(context.Background(), "g1")
	}()
	<-model.started

	secretary.Reset("g1")
	close(model.release)
	wg.Wait()

	assert.Nil(t, secretary.Decision("g1"), "stale result must not be cached")
	assert.Equal(t, 0, sink.callCount(), "stale result must not wake generation")
	analyses, _, _ := secretary.Counters()
	assert.Equal(t, uint64(0), analyses)
	assert.False(t, secretary.Busy("g1"))
}

func TestPositiveDecisionReachesSink(t *testing.T) {
	model := &capturingModel{reply: replyReply}
	h := newSecretaryHarness(model, SecretaryConfig{WaitingTime: time.Millisecond})

	h.cache.Ingest("g1", domain.TextMessage("u1", "Alice", "部署又挂了", time.Now().Add(-time.Second)))
	h.secretary.OnNotify(context.Background(), "g1")

	require.Equal(t, 1, h.sink.callCount())
	call := h.sink.call(0)
	assert.Equal(t, "g1", call.chatID)
	assert.True(t, call.decision.ShouldReply)
	assert.True(t, call.needsSearch)
	require.NotEmpty(t, call.records)

	cached := h.secretary.Decision("g1")
	require.NotNil(t, cached)
	assert.Equal(t, "部署", cached.Topic)
	assert.False(t, cached.Boundary.IsZero())

	_, replies, _ := h.secretary.Counters()
	assert.Equal(t, uint64(1), replies)
}

func TestSilentDecisionDoesNotWakeGeneration(t *testing.T) {
	model := &capturingModel{reply: silentReply}
	h := newSecretaryHarness(model, SecretaryConfig{WaitingTime: time.Millisecond})

	h.cache.Ingest("g1", domain.TextMessage("u1", "Alice", "随便聊聊", time.Now().Add(-time.Second)))
	h.secretary.OnNotify(context.Background(), "g1")

	assert.Equal(t, 1, model.callCount())
	assert.Equal(t, 0, h.sink.callCount())
	require.NotNil(t, h.secretary.Decision("g1"))
}

func TestDebugModeSuppressesInjection(t *testing.T) {
	model := &capturingModel{reply: replyReply}
	h := newSecretaryHarness(model, SecretaryConfig{WaitingTime: time.Millisecond, Debug: true})

	h.cache.Ingest("g1", domain.TextMessage("u1", "Alice", "调试模式", time.Now().Add(-time.Second)))
	h.secretary.OnNotify(context.Background(), "g1")

	assert.Equal(t, 1, model.callCount())
	assert.Equal(t, 0, h.sink.callCount())
}

// fakeHistory stores appended records in memory
type fakeHistory struct {
	mu      sync.Mutex
	records map[string][]domain.ChatRecord
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: make(map[string][]domain.ChatRecord)}
}

func (h *fakeHistory) LoadHistory(_ context.Context, chatID string, limit int) ([]domain.ChatRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := h.records[chatID]
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	return append([]domain.ChatRecord(nil), records...), nil
}

func (h *fakeHistory) Append(_ context.Context, chatID string, rec domain.ChatRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[chatID] = append(h.records[chatID], rec)
	return nil
}

func (h *fakeHistory) CleanupOld(context.Context, time.Time) (int64, error) { return 0, nil }
func (h *fakeHistory) Close() error                                        { return nil }

func TestAnalyzedMessagesSettleIntoHistory(t *testing.T) {
	logger := zap.NewNop()
	model := &capturingModel{reply: silentReply}
	history := newFakeHistory()
	cache := NewMessageCache(DefaultCacheConfig(), logger)
	analyzer := newTestAnalyzer(model, DefaultAnalyzerConfig())
	secretary := NewSecretary(cache, history, analyzer, &mockSink{},
		SecretaryConfig{WaitingTime: time.Millisecond, HistoryLimit: 10}, logger)

	base := time.Now().Add(-time.Minute)
	cache.Ingest("g1", domain.TextMessage("u1", "Alice", "第一轮话题", base))
	secretary.OnNotify(context.Background(), "g1")
	require.Equal(t, 1, model.callCount())

	stored, err := history.LoadHistory(context.Background(), "g1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "第一轮话题", stored[0].Content)

	// the settled record shows up as historical background next cycle
	time.Sleep(5 * time.Millisecond)
	cache.Ingest("g1", domain.TextMessage("u2", "Bob", "第二轮话题", base.Add(time.Second)))
	secretary.OnNotify(context.Background(), "g1")
	require.Equal(t, 2, model.callCount())
	assert.Contains(t, model.lastPrompt(), "# 历史背景（仅供参考）")
	assert.Contains(t, model.lastPrompt(), "第一轮话题")
	assert.Contains(t, model.lastPrompt(), "# 最新对话（分析对象）")
	assert.Contains(t, model.lastPrompt(), "第二轮话题")
}

func TestResetClearsStateAndCachedDecision(t *testing.T) {
	model := &capturingModel{reply: silentReply}
	h := newSecretaryHarness(model, SecretaryConfig{WaitingTime: time.Hour})

	h.cache.Ingest("g1", domain.TextMessage("u1", "Alice", "第一轮", time.Now().Add(-time.Second)))
	h.secretary.OnNotify(context.Background(), "g1")
	require.Equal(t, 1, model.callCount())
	require.NotNil(t, h.secretary.Decision("g1"))

	// cooldown of one hour would gate the next cycle; reset clears it
	h.secretary.Reset("g1")
	assert.Nil(t, h.secretary.Decision("g1"))

	h.cache.Ingest("g1", domain.TextMessage("u2", "Bob", "第二轮", time.Now()))
	h.secretary.OnNotify(context.Background(), "g1")
	assert.Equal(t, 2, model.callCount())
}
