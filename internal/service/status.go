package service

import (
	"time"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
	"github.com/kawayiYokami/angelheart/internal/biz/usecase"
)

// StatusReport is the monitoring snapshot exposed to operators
type StatusReport struct {
	ActiveConversations int                        `json:"active_conversations"`
	CachedMessages      int                        `json:"cached_messages"`
	AnalysisTotal       uint64                     `json:"analysis_total"`
	ReplyTotal          uint64                     `json:"reply_total"`
	LastAnalysisAt      time.Time                  `json:"last_analysis_at"`
	ActiveTasks         map[string]domain.TaskInfo `json:"active_tasks"`
}

// HealthReport summarizes engine liveness
type HealthReport struct {
	OK              bool          `json:"ok"`
	LastAnalysisAge time.Duration `json:"last_analysis_age"`
	CachedMessages  int           `json:"cached_messages"`
}

// StatusService exposes the thin administrative hooks: status query,
// health check and per-conversation reset.
type StatusService struct {
	cache     *usecase.MessageCache
	secretary *usecase.Secretary
	proactive *usecase.ProactiveManager

	// staleness horizon for the health verdict
	maxAnalysisAge time.Duration

	now func() time.Time
}

// NewStatusService creates a status service
func NewStatusService(cache *usecase.MessageCache, secretary *usecase.Secretary, proactive *usecase.ProactiveManager) *StatusService {
	return &StatusService{
		cache:          cache,
		secretary:      secretary,
		proactive:      proactive,
		maxAnalysisAge: time.Hour,
		now:            time.Now,
	}
}

// Status returns the current monitoring snapshot
func (s *StatusService) Status() StatusReport {
	conversations, messages := s.cache.Stats()
	analyses, replies, last := s.secretary.Counters()
	return StatusReport{
		ActiveConversations: conversations,
		CachedMessages:      messages,
		AnalysisTotal:       analyses,
		ReplyTotal:          replies,
		LastAnalysisAt:      last,
		ActiveTasks:         s.proactive.ActiveTasks(),
	}
}

// Health reports engine liveness. A system that has cached messages but
// has not analyzed anything for a long time is considered unhealthy.
func (s *StatusService) Health() HealthReport {
	_, messages := s.cache.Stats()
	_, _, last := s.secretary.Counters()

	var age time.Duration
	if !last.IsZero() {
		age = s.now().Sub(last)
	}
	ok := messages == 0 || last.IsZero() || age <= s.maxAnalysisAge
	return HealthReport{
		OK:              ok,
		LastAnalysisAge: age,
		CachedMessages:  messages,
	}
}

// Reset clears the scheduling state of one conversation
func (s *StatusService) Reset(chatID string) {
	s.secretary.Reset(chatID)
}
