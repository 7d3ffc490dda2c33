// Package audit provides the audit trail for connection registry and
// connection-test operations.
package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/rs/zerolog"
)

// Logger implements in-memory audit logging with structured-log mirroring.
// Entries live only in an in-process buffer bounded by maxLogs, in every
// deployment including the cmd binaries; nothing is persisted, so the trail
// does not survive a restart. This matches the teacher's own in-memory demo
// store.
type Logger struct {
	logger  zerolog.Logger
	logs    []domain.AuditLog
	mu      sync.RWMutex
	maxLogs int
}

// NewLogger creates a new audit logger.
func NewLogger(logger zerolog.Logger) *Logger {
	l := &Logger{
		logger:  logger,
		logs:    make([]domain.AuditLog, 0),
		maxLogs: 10000,
	}
	logger.Info().Msg("audit logging initialized")
	return l
}

// Event is an audit event to be logged.
type Event struct {
	OwnerUser  string
	Action     domain.AuditAction
	Resource   string
	ResourceID string
	Outcome    domain.AuditOutcome
	Details    map[string]interface{}
	IPAddress  string
	UserAgent  string
	RequestID  string
	DurationMS int64
}

// LogEvent records an audit event.
func (l *Logger) LogEvent(ctx context.Context, event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := domain.AuditLog{
		ID:         uuid.New().String(),
		OwnerUser:  event.OwnerUser,
		Action:     event.Action,
		Resource:   event.Resource,
		ResourceID: event.ResourceID,
		Outcome:    event.Outcome,
		Details:    event.Details,
		IPAddress:  event.IPAddress,
		UserAgent:  event.UserAgent,
		RequestID:  event.RequestID,
		DurationMS: event.DurationMS,
		CreatedAt:  time.Now(),
	}

	if len(l.logs) >= l.maxLogs {
		l.logs = l.logs[1:]
	}
	l.logs = append(l.logs, log)

	logEvent := l.logger.Info().
		Str("audit_id", log.ID).
		Str("action", string(log.Action)).
		Str("resource", log.Resource).
		Str("outcome", string(log.Outcome)).
		Str("owner_user", log.OwnerUser)

	if log.ResourceID != "" {
		logEvent = logEvent.Str("resource_id", log.ResourceID)
	}
	if log.DurationMS > 0 {
		logEvent = logEvent.Int64("duration_ms", log.DurationMS)
	}
	logEvent.Msg("audit event")
}

// GetLogs returns audit logs matching the filter, most recent first.
func (l *Logger) GetLogs(filter domain.AuditLogFilter) domain.AuditLogPage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.page(l.filtered(filter, ""), filter)
}

// Search performs a case-insensitive text search across audit logs.
func (l *Logger) Search(query string, filter domain.AuditLogFilter) domain.AuditLogPage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.page(l.filtered(filter, strings.ToLower(query)), filter)
}

func (l *Logger) filtered(filter domain.AuditLogFilter, query string) []domain.AuditLog {
	filtered := make([]domain.AuditLog, 0)
	for _, log := range l.logs {
		if !l.matchesFilter(log, filter) {
			continue
		}
		if query != "" && !l.matchesSearch(log, query) {
			continue
		}
		filtered = append(filtered, log)
	}
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	return filtered
}

func (l *Logger) page(filtered []domain.AuditLog, filter domain.AuditLogFilter) domain.AuditLogPage {
	total := int64(len(filtered))
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	start := offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	return domain.AuditLogPage{
		Logs:    filtered[start:end],
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: end < len(filtered),
	}
}

// GetLog returns a single audit log by ID.
func (l *Logger) GetLog(id string) *domain.AuditLog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.logs {
		if l.logs[i].ID == id {
			log := l.logs[i]
			return &log
		}
	}
	return nil
}

// Export serializes audit logs matching filter in the requested format.
func (l *Logger) Export(filter domain.AuditLogFilter, format domain.AuditExportFormat) ([]byte, error) {
	page := l.GetLogs(filter)
	switch format {
	case domain.AuditExportCSV:
		return l.exportCSV(page.Logs)
	default:
		return json.MarshalIndent(page.Logs, "", "  ")
	}
}

// Stats summarizes the in-memory audit log.
type Stats struct {
	TotalLogs  int64            `json:"total_logs"`
	TodayLogs  int64            `json:"today_logs"`
	ByAction   map[string]int64 `json:"by_action"`
	ByOutcome  map[string]int64 `json:"by_outcome"`
	ByResource map[string]int64 `json:"by_resource"`
}

// GetStats returns audit log statistics.
func (l *Logger) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		ByAction:   make(map[string]int64),
		ByOutcome:  make(map[string]int64),
		ByResource: make(map[string]int64),
	}
	stats.TotalLogs = int64(len(l.logs))

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for _, log := range l.logs {
		stats.ByAction[string(log.Action)]++
		stats.ByOutcome[string(log.Outcome)]++
		stats.ByResource[log.Resource]++
		if log.CreatedAt.After(today) {
			stats.TodayLogs++
		}
	}
	return stats
}

func (l *Logger) matchesFilter(log domain.AuditLog, filter domain.AuditLogFilter) bool {
	if len(filter.Actions) > 0 {
		found := false
		for _, a := range filter.Actions {
			if log.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.Outcomes) > 0 {
		found := false
		for _, o := range filter.Outcomes {
			if log.Outcome == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.Resource != "" && log.Resource != filter.Resource {
		return false
	}
	if filter.OwnerUser != "" && log.OwnerUser != filter.OwnerUser {
		return false
	}
	if filter.StartTime != nil && log.CreatedAt.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && log.CreatedAt.After(*filter.EndTime) {
		return false
	}
	return true
}

func (l *Logger) matchesSearch(log domain.AuditLog, query string) bool {
	if strings.Contains(strings.ToLower(string(log.Action)), query) {
		return true
	}
	if strings.Contains(strings.ToLower(log.Resource), query) {
		return true
	}
	if strings.Contains(strings.ToLower(log.ResourceID), query) {
		return true
	}
	if strings.Contains(log.IPAddress, query) {
		return true
	}
	if log.Details != nil {
		detailsJSON, _ := json.Marshal(log.Details)
		if strings.Contains(strings.ToLower(string(detailsJSON)), query) {
			return true
		}
	}
	return false
}

func (l *Logger) exportCSV(logs []domain.AuditLog) ([]byte, error) {
	var buf strings.Builder
	writer := csv.NewWriter(&buf)

	header := []string{"ID", "Timestamp", "Action", "Resource", "ResourceID", "Outcome", "OwnerUser", "IPAddress", "DurationMS"}
	if err := writer.Write(header); err != nil {
		return nil, err
	}

	for _, log := range logs {
		row := []string{
			log.ID,
			log.CreatedAt.Format(time.RFC3339),
			string(log.Action),
			log.Resource,
			log.ResourceID,
			string(log.Outcome),
			log.OwnerUser,
			log.IPAddress,
			strconv.FormatInt(log.DurationMS, 10),
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	return []byte(buf.String()), writer.Error()
}
