package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
	"github.com/kawayiYokami/angelheart/internal/biz/repo"
)

// AnalyzerConfig contains analyzer configuration
type AnalyzerConfig struct {
	StrategyGuide string        // optional guidance appended to the system prompt
	MaxRetries    int           // retries after the first attempt
	RetryBackoff  time.Duration // base backoff between attempts
	CallTimeout   time.Duration // per-call model timeout
	HistoryWindow int           // max recent-dialogue lines included in the prompt
	PromptLogging bool          // log full prompts at debug level
}

// DefaultAnalyzerConfig returns the default analyzer configuration
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		MaxRetries:    2,
		RetryBackoff:  time.Second,
		CallTimeout:   30 * time.Second,
		HistoryWindow: 50,
	}
}

const analyzerSystemPrompt = `你是一个高度智能的群聊分析员。你的任务是分析对话内容，并以JSON格式返回你的决策。
历史背景部分仅供参考，最新对话才是分析对象。只需要考虑最新的话题；如果新的话题已经开始，停止分析旧话题。
一旦得出结论，马上给出回复建议。

严格按照以下JSON格式返回分析结果，不要添加任何额外的解释：
{
  "should_reply": <布尔值: 是否应该介入回复>,
  "is_questioned": <布尔值: 是否有人在向助手提问>,
  "is_interesting": <布尔值: 当前话题是否值得参与>,
  "reply_strategy": "<字符串: 建议的回复策略，例如：缓和气氛、技术指导、表示共情>",
  "topic": "<字符串: 对当前对话核心主题的精确概括>",
  "reply_target": "<字符串: 回复对象，不回复时留空>",
  "entities": ["<字符串: 对话中的关键实体>"],
  "facts": ["<字符串: 值得记录的简短事实>"],
  "keywords": ["<字符串: 最多3个核心搜索词>"],
  "needs_search": <布尔值: 回复前是否需要联网检索>
}`

// Analyzer builds analysis requests, calls the lightweight model and
// parses structured decisions out of its output. Any failure collapses
// into the safe default decision; Analyze never returns an error.
type Analyzer struct {
	model  repo.ModelRepo
	cfg    AnalyzerConfig
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(model repo.ModelRepo, cfg AnalyzerConfig, logger *zap.Logger) *Analyzer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultAnalyzerConfig().CallTimeout
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultAnalyzerConfig().HistoryWindow
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Analyzer{
		model:  model,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Analyze runs one analysis cycle over the merged context and returns a
// decision. Model failures and malformed output are retried a bounded
// number of times, then degrade to the default "keep observing" decision.
func (a *Analyzer) Analyze(ctx context.Context, historical, recent []domain.ChatRecord) *domain.SecretaryDecision {
	if a.model == nil {
		a.logger.Warn("analyzer model not configured, skipping analysis")
		return domain.DefaultDecision("未配置")
	}

	system := analyzerSystemPrompt
	if guide := strings.TrimSpace(a.cfg.StrategyGuide); guide != "" {
		system += "\n\n# 回复策略指导\n请仅在以下情况才考虑回复：\n" + guide
	}
	user := a.buildContextPrompt(historical, recent)
	if a.cfg.PromptLogging {
		a.logger.Debug("analysis prompt built", zap.String("prompt", user))
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			a.sleep(ctx, a.cfg.RetryBackoff*time.Duration(attempt))
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		raw, err := a.model.Chat(callCtx, system, user)
		cancel()
		if err != nil {
			lastErr = err
			a.logger.Warn("analyzer model call failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		decision, err := parseDecision(raw)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", repo.ErrMalformedResponse, err)
			a.logger.Warn("analyzer returned malformed decision",
				zap.Int("attempt", attempt+1),
				zap.String("raw", truncate(raw, 200)),
				zap.Error(err))
			continue
		}

		decision.CreatedAt = time.Now()
		decision.Sanitize()
		a.logger.Debug("analysis complete",
			zap.Bool("should_reply", decision.ShouldReply),
			zap.String("strategy", decision.ReplyStrategy),
			zap.String("topic", decision.Topic))
		return decision
	}

	a.logger.Error("analysis failed, falling back to default decision", zap.Error(lastErr))
	return domain.DefaultDecision("分析失败")
}

// parseDecision attempts a strict parse first, then one extraction pass
// that locates the JSON object inside free-form output.
func parseDecision(raw string) (*domain.SecretaryDecision, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.New("empty response")
	}

	if d, err := decodeDecision(text); err == nil {
		return d, nil
	}
	candidate, ok := extractJSONObject(text, "should_reply")
	if !ok {
		return nil, errors.New("no JSON object with should_reply found")
	}
	return decodeDecision(candidate)
}

func decodeDecision(text string) (*domain.SecretaryDecision, error) {
	// presence check first: a bare struct unmarshal cannot distinguish
	// a missing should_reply from an explicit false
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return nil, err
	}
	if _, ok := probe["should_reply"]; !ok {
		return nil, errors.New("missing should_reply field")
	}
	var d domain.SecretaryDecision
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (a *Analyzer) buildContextPrompt(historical, recent []domain.ChatRecord) string {
	var sb strings.Builder
	if len(historical) > 0 {
		sb.WriteString("# 历史背景（仅供参考）\n")
		sb.WriteString(formatRecords(historical, a.cfg.HistoryWindow))
		sb.WriteString("\n\n")
	}
	sb.WriteString("# 最新对话（分析对象）\n")
	sb.WriteString(formatRecords(recent, a.cfg.HistoryWindow))
	return sb.String()
}

func formatRecords(records []domain.ChatRecord, limit int) string {
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	var lines []string
	for _, r := range records {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		name := r.SenderName
		if r.Role == domain.RoleAssistant {
			name = "你"
		} else if name == "" {
			name = "成员"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, content))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
