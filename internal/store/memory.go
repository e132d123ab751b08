package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kuleshov01/new-max-bot/internal/models"
)

// InMemoryStore keeps everything in process memory. Flows are held as JSON so
// callers never share a graph with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	nextBotID int64
	nextLogID int64
	bots      map[int64]models.Bot
	flows     map[int64][]byte
	logs      map[int64][]models.LogEntry
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		bots:  make(map[int64]models.Bot),
		flows: make(map[int64][]byte),
		logs:  make(map[int64][]models.LogEntry),
	}
}

func (s *InMemoryStore) CreateBot(ctx context.Context, b models.Bot) (models.Bot, error) {
	if err := b.Validate(); err != nil {
		return models.Bot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBotID++
	b.ID = s.nextBotID
	if b.Status == "" {
		b.Status = models.BotStatusStopped
	}
	b.CreatedAt = now()
	b.UpdatedAt = b.CreatedAt
	s.bots[b.ID] = b
	return b, nil
}

func (s *InMemoryStore) GetBot(ctx context.Context, id int64) (models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return models.Bot{}, fmt.Errorf("bot %d: %w", id, models.ErrBotNotFound)
	}
	return b, nil
}

func (s *InMemoryStore) ListBots(ctx context.Context) ([]models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Bot, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) UpdateBot(ctx context.Context, id int64, u BotUpdate) (models.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return models.Bot{}, fmt.Errorf("bot %d: %w", id, models.ErrBotNotFound)
	}
	if u.Name != nil {
		b.Name = *u.Name
	}
	if u.Token != nil {
		b.Token = *u.Token
	}
	if u.BaseURL != nil {
		b.BaseURL = *u.BaseURL
	}
	if err := b.Validate(); err != nil {
		return models.Bot{}, err
	}
	b.UpdatedAt = now()
	s.bots[id] = b
	return b, nil
}

func (s *InMemoryStore) DeleteBot(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[id]; !ok {
		return fmt.Errorf("bot %d: %w", id, models.ErrBotNotFound)
	}
	delete(s.bots, id)
	delete(s.flows, id)
	delete(s.logs, id)
	return nil
}

func (s *InMemoryStore) UpdateBotStatus(ctx context.Context, id int64, status models.BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return fmt.Errorf("bot %d: %w", id, models.ErrBotNotFound)
	}
	b.Status = status
	b.UpdatedAt = now()
	s.bots[id] = b
	return nil
}

func (s *InMemoryStore) GetFlow(ctx context.Context, botID int64) (*models.Flow, error) {
	s.mu.RLock()
	data, ok := s.flows[botID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bot %d: %w", botID, models.ErrFlowNotFound)
	}
	var f models.Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode flow for bot %d: %w", botID, err)
	}
	return &f, nil
}

func (s *InMemoryStore) SaveFlow(ctx context.Context, botID int64, f *models.Flow) error {
	if err := validateFlow(botID, f); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flow for bot %d: %w", botID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[botID]; !ok {
		return fmt.Errorf("bot %d: %w", botID, models.ErrBotNotFound)
	}
	s.flows[botID] = data
	return nil
}

func (s *InMemoryStore) AddLog(ctx context.Context, botID int64, level models.LogLevel, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[botID]; !ok {
		return fmt.Errorf("bot %d: %w", botID, models.ErrBotNotFound)
	}
	s.nextLogID++
	s.logs[botID] = append(s.logs[botID], models.LogEntry{
		ID:        s.nextLogID,
		BotID:     botID,
		Level:     level,
		Message:   message,
		Timestamp: now(),
	})
	return nil
}

func (s *InMemoryStore) GetLogs(ctx context.Context, botID int64, limit int) ([]models.LogEntry, error) {
	limit = logLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[botID]
	out := make([]models.LogEntry, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (s *InMemoryStore) ClearLogs(ctx context.Context, botID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, botID)
	return nil
}

func (s *InMemoryStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, entries := range s.logs {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp.Before(before) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		s.logs[id] = kept
	}
	return removed, nil
}

func (s *InMemoryStore) Close() error { return nil }

var _ Store = (*InMemoryStore)(nil)
