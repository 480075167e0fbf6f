package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/metrics"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
	"github.com/Healer-AI/p8fs-sub003/internal/repository"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

// Config shapes the manager.
type Config struct {
	CompressionThreshold int           `mapstructure:"compression_threshold"` // chars; messages above go to KV
	MaxCachedThreads     int           `mapstructure:"max_cached_threads"`
	SidecarTTL           time.Duration `mapstructure:"sidecar_ttl"` // 0 = no expiry
}

func (c Config) withDefaults() Config {
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = 500
	}
	if c.MaxCachedThreads == 0 {
		c.MaxCachedThreads = 1000
	}
	return c
}

// Manager owns thread lifecycle. Open threads are cached locally for cheap
// appends; the session row in SQL is the durable copy and the cache is
// evicted least-recently-used.
type Manager struct {
	repo   *repository.Repository
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	cache  map[string]*Thread   // session id -> open thread
	access map[string]time.Time // last touch, for LRU eviction
}

func NewManager(repo *repository.Repository, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repo:   repo,
		cfg:    cfg.withDefaults(),
		logger: logger,
		cache:  make(map[string]*Thread),
		access: make(map[string]time.Time),
	}
}

// OpenThread creates a new session row. An empty threadID starts a fresh
// thread; a provided one groups this session with its predecessors.
func (m *Manager) OpenThread(ctx context.Context, tenantID, userID, threadID, name, agent, sessionType string) (*Thread, error) {
	if tenantID == "" {
		return nil, storage.ErrTenantMissing
	}
	if threadID == "" {
		threadID = uuid.NewString()
	}
	t := &Thread{
		SessionID:   uuid.NewString(),
		TenantID:    tenantID,
		ThreadID:    threadID,
		UserID:      userID,
		Name:        name,
		Agent:       agent,
		SessionType: sessionType,
	}
	if err := m.persist(ctx, t); err != nil {
		return nil, err
	}
	m.cachePut(t)
	m.logger.Info("Thread opened",
		zap.String("session_id", t.SessionID),
		zap.String("thread_id", t.ThreadID),
		zap.String("tenant_id", tenantID),
	)
	return t, nil
}

// AppendMessage adds one message and persists the thread. Content above the
// compression threshold is written to a KV sidecar and replaced in place by
// a REM LOOKUP placeholder.
func (m *Manager) AppendMessage(ctx context.Context, t *Thread, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	index := len(t.Messages)
	if len(msg.Content) > m.cfg.CompressionThreshold {
		key := SidecarKey(t.SessionID, index)
		if err := m.repo.Store().KVPut(ctx, key, msg.Content, m.cfg.SidecarTTL); err != nil {
			return fmt.Errorf("write message sidecar: %w", err)
		}
		msg.OriginalLength = len(msg.Content)
		msg.EntityKey = key
		msg.Compressed = true
		msg.Content = "REM LOOKUP " + key
		metrics.SessionsCompressed.Inc()
	}
	t.Messages = append(t.Messages, msg)
	if err := m.persist(ctx, t); err != nil {
		return err
	}
	m.cachePut(t)
	return nil
}

// CloseThread persists the final state and drops the thread from the local
// cache. The row stays; a later ReloadThread continues the conversation.
func (m *Manager) CloseThread(ctx context.Context, t *Thread) error {
	if err := m.persist(ctx, t); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, t.SessionID)
	delete(m.access, t.SessionID)
	metrics.SessionCacheSize.Set(float64(len(m.cache)))
	m.mu.Unlock()
	return nil
}

// ReloadThread loads a thread from the row. With decompress set, compressed
// messages are restored verbatim from their sidecars; without it the stubs
// are returned as stored. Restored messages drop the stub markers, so
// re-appending and re-compressing produces the identical sidecar.
func (m *Manager) ReloadThread(ctx context.Context, tenantID, sessionID string, decompress bool) (*Thread, error) {
	if tenantID == "" {
		return nil, storage.ErrTenantMissing
	}
	row, err := m.repo.Get(ctx, tenantID, models.TableSessions, sessionID)
	if err != nil {
		return nil, err
	}
	t, err := threadFromRow(row)
	if err != nil {
		return nil, err
	}
	if decompress {
		for i := range t.Messages {
			msg := &t.Messages[i]
			if !msg.Compressed || msg.EntityKey == "" {
				continue
			}
			raw, found, err := m.repo.Store().KVGet(ctx, msg.EntityKey)
			if err != nil {
				return nil, fmt.Errorf("read message sidecar %s: %w", msg.EntityKey, err)
			}
			if !found {
				m.logger.Warn("Message sidecar missing",
					zap.String("session_id", sessionID),
					zap.String("entity_key", msg.EntityKey),
				)
				continue
			}
			var content string
			if err := json.Unmarshal(raw, &content); err != nil {
				return nil, fmt.Errorf("decode message sidecar %s: %w", msg.EntityKey, err)
			}
			msg.Content = content
			msg.Compressed = false
			msg.EntityKey = ""
			msg.OriginalLength = 0
		}
	}
	m.cachePut(t)
	return t, nil
}

// persist writes the thread's session row; messages ride inside metadata.
func (m *Manager) persist(ctx context.Context, t *Thread) error {
	encoded, err := json.Marshal(t.Messages)
	if err != nil {
		return err
	}
	var messages []interface{}
	if err := json.Unmarshal(encoded, &messages); err != nil {
		return err
	}
	meta, err := json.Marshal(models.JSONMap{"messages": messages})
	if err != nil {
		return err
	}
	row := map[string]interface{}{
		"id":           t.SessionID,
		"tenant_id":    t.TenantID,
		"name":         t.Name,
		"thread_id":    t.ThreadID,
		"userid":       t.UserID,
		"query":        t.Query,
		"agent":        t.Agent,
		"session_type": t.SessionType,
		"metadata":     string(meta),
	}
	return m.repo.Upsert(ctx, t.TenantID, models.TableSessions, []map[string]interface{}{row})
}

func threadFromRow(row map[string]interface{}) (*Thread, error) {
	t := &Thread{}
	t.SessionID, _ = row["id"].(string)
	t.TenantID, _ = row["tenant_id"].(string)
	t.ThreadID, _ = row["thread_id"].(string)
	t.UserID, _ = row["userid"].(string)
	t.Name, _ = row["name"].(string)
	t.Agent, _ = row["agent"].(string)
	t.SessionType, _ = row["session_type"].(string)
	t.Query, _ = row["query"].(string)
	t.UpdatedAt = rowTime(row["updated_at"])

	if raw, ok := row["metadata"].(string); ok && raw != "" {
		var meta struct {
			Messages []Message `json:"messages"`
		}
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
		t.Messages = meta.Messages
	}
	return t, nil
}

func rowTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// cachePut inserts or refreshes a thread and evicts the least recently used
// entries above the cap.
func (m *Manager) cachePut(t *Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[t.SessionID] = t
	m.access[t.SessionID] = time.Now()
	for len(m.cache) > m.cfg.MaxCachedThreads {
		oldestID := ""
		var oldest time.Time
		for id, at := range m.access {
			if oldestID == "" || at.Before(oldest) {
				oldestID, oldest = id, at
			}
		}
		delete(m.cache, oldestID)
		delete(m.access, oldestID)
		metrics.SessionCacheEvictions.Inc()
	}
	metrics.SessionCacheSize.Set(float64(len(m.cache)))
}

// Cached returns the locally cached thread, if open.
func (m *Manager) Cached(sessionID string) (*Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.cache[sessionID]
	if ok {
		m.access[sessionID] = time.Now()
	}
	return t, ok
}
