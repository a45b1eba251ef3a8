package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"trades-relay/internal/config"
	"trades-relay/internal/store"
)

const journalTimeout = 2 * time.Second

// Service 汇总指标、统计与事件日志。
type Service struct {
	db      *sql.DB
	metrics *Metrics
	logger  *zap.Logger

	mu          sync.Mutex
	strategies  map[string]*Counts
	platforms   map[string]*Counts
	parseErrors int64
	rotations   int64
	halted      map[string]bool

	queueDepth func() int
	inFlight   func() int
}

// NewService 初始化监控服务，开启事件日志时创建所需表结构。
func NewService(cfg config.MonitorConfig, store *store.Store, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		metrics:    NewMetrics(cfg.Namespace),
		logger:     logger,
		strategies: make(map[string]*Counts),
		platforms:  make(map[string]*Counts),
		halted:     make(map[string]bool),
	}

	if cfg.Journal {
		if store == nil {
			return nil, fmt.Errorf("monitor: 开启事件日志时 store 不能为空")
		}
		s.db = store.DB()
		if err := s.initSchema(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Metrics 返回 Prometheus 指标集合。
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// BindQueue 关联投递队列深度与进行中订单数。
func (s *Service) BindQueue(namespace string, depth, inFlight func() int) {
	s.mu.Lock()
	s.queueDepth = depth
	s.inFlight = inFlight
	s.mu.Unlock()
	s.metrics.RegisterQueueDepth(namespace, depth)
}

// Record 写入单个事件，未开启事件日志时忽略。
func (s *Service) Record(ctx context.Context, event Event) error {
	if s.db == nil {
		return nil
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(eventType EventType, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	if err := s.Record(ctx, Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(eventType)), zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(msg string, err error, ctxMap map[string]interface{}) {
	s.record(EventError, ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	})
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

// Stats 返回当前计数快照。
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		GeneratedAt: time.Now().UTC(),
		Strategies:  make(map[string]Counts, len(s.strategies)),
		Platforms:   make(map[string]Counts, len(s.platforms)),
		ParseErrors: s.parseErrors,
		Rotations:   s.rotations,
		HaltedFiles: make([]string, 0, len(s.halted)),
	}
	for k, c := range s.strategies {
		out.Strategies[k] = *c
	}
	for k, c := range s.platforms {
		out.Platforms[k] = *c
	}
	for path := range s.halted {
		out.HaltedFiles = append(out.HaltedFiles, path)
	}
	sort.Strings(out.HaltedFiles)
	if s.queueDepth != nil {
		out.QueueDepth = s.queueDepth()
	}
	if s.inFlight != nil {
		out.InFlightOrders = s.inFlight()
	}
	return out
}

// bump 在锁内更新计数。
func (s *Service) bump(strategy, platform string, fn func(*Counts)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strategy != "" {
		c, ok := s.strategies[strategy]
		if !ok {
			c = &Counts{}
			s.strategies[strategy] = c
		}
		fn(c)
	}
	if platform != "" {
		c, ok := s.platforms[platform]
		if !ok {
			c = &Counts{}
			s.platforms[platform] = c
		}
		fn(c)
	}
}
