package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"eventchat/internal/domain"
)

// memStore is an in-memory domain.MessageStore with per-operation failure
// injection. When feed is set, writes are published like a real change feed.
type memStore struct {
	mu       sync.Mutex
	seq      int
	clock    time.Time
	rows     map[string]domain.MessageRow
	profiles map[string]domain.Author
	calls    map[string]int
	fail     map[string][]error
	gate     chan struct{} // when set, ListMessages blocks until closed
	feed     domain.ChangeFeed
}

func newMemStore() *memStore {
	return &memStore{
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		rows:     make(map[string]domain.MessageRow),
		profiles: make(map[string]domain.Author),
		calls:    make(map[string]int),
		fail:     make(map[string][]error),
	}
}

func (s *memStore) failNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = append(s.fail[op], errs...)
}

func (s *memStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter records a call and pops an injected failure. Caller holds s.mu.
func (s *memStore) enter(op string) error {
	s.calls[op]++
	if errs := s.fail[op]; len(errs) > 0 {
		s.fail[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *memStore) seed(convID, userID, content string) domain.MessageRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(convID, userID, content, nil)
}

func (s *memStore) addLocked(convID, userID, content string, replyTo *string) domain.MessageRow {
	s.seq++
	s.clock = s.clock.Add(time.Second)
	row := domain.MessageRow{
		ID:             fmt.Sprintf("m%03d", s.seq),
		ConversationID: convID,
		UserID:         userID,
		Content:        content,
		ReplyToID:      replyTo,
		CreatedAt:      s.clock,
	}
	s.rows[row.ID] = row
	return row
}

func (s *memStore) messageLocked(row domain.MessageRow) domain.Message {
	author, ok := s.profiles[row.UserID]
	if !ok {
		author = domain.Author{ID: row.UserID}
	}
	var reply *domain.ReplyPreview
	if row.ReplyToID != nil {
		if parent, ok := s.rows[*row.ReplyToID]; ok {
			reply = &domain.ReplyPreview{ID: parent.ID, Content: parent.Content, SenderID: parent.UserID}
		}
	}
	return row.ToMessage(author, reply)
}

func (s *memStore) publish(typ domain.ChangeType, convID string, newRow any, oldRow any) {
	if s.feed == nil {
		return
	}
	ev := domain.ChangeEvent{Type: typ, ConversationID: convID}
	if newRow != nil {
		ev.New, _ = json.Marshal(newRow)
	}
	if oldRow != nil {
		ev.Old, _ = json.Marshal(oldRow)
	}
	s.feed.PublishChange(context.Background(), ev)
}

func (s *memStore) InsertMessage(_ context.Context, in domain.NewMessage) (domain.Message, error) {
	s.mu.Lock()
	if err := s.enter("insert"); err != nil {
		s.mu.Unlock()
		return domain.Message{}, err
	}
	var replyTo *string
	if in.ReplyToID != "" {
		id := in.ReplyToID
		replyTo = &id
	}
	row := s.addLocked(in.ConversationID, in.SenderID, in.Content, replyTo)
	msg := s.messageLocked(row)
	s.mu.Unlock()

	s.publish(domain.ChangeInsert, row.ConversationID, row, nil)
	return msg, nil
}

func (s *memStore) UpdateMessage(_ context.Context, id, userID, content string) (domain.Message, error) {
	s.mu.Lock()
	if err := s.enter("update"); err != nil {
		s.mu.Unlock()
		return domain.Message{}, err
	}
	row, ok := s.rows[id]
	if !ok {
		s.mu.Unlock()
		return domain.Message{}, domain.ErrNotFound
	}
	if row.UserID != userID {
		s.mu.Unlock()
		return domain.Message{}, domain.ErrPermissionDenied
	}
	now := s.clock.Add(time.Minute)
	row.Content = content
	row.EditedAt = &now
	s.rows[id] = row
	msg := s.messageLocked(row)
	s.mu.Unlock()

	s.publish(domain.ChangeUpdate, row.ConversationID, row, nil)
	return msg, nil
}

func (s *memStore) DeleteMessage(_ context.Context, id, userID string) error {
	s.mu.Lock()
	if err := s.enter("delete"); err != nil {
		s.mu.Unlock()
		return err
	}
	row, ok := s.rows[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	if row.UserID != userID {
		s.mu.Unlock()
		return domain.ErrPermissionDenied
	}
	delete(s.rows, id)
	s.mu.Unlock()

	s.publish(domain.ChangeDelete, row.ConversationID, nil, map[string]string{"id": id})
	return nil
}

func (s *memStore) ListMessages(_ context.Context, convID string, opts domain.ListOptions) ([]domain.Message, error) {
	s.mu.Lock()
	gate := s.gate
	err := s.enter("list")
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, row := range s.rows {
		if row.ConversationID != convID {
			continue
		}
		m := s.messageLocked(row)
		if !opts.Before.IsZero() && !m.Before(domain.Message{ID: opts.BeforeID, CreatedAt: opts.Before}) {
			continue
		}
		if !opts.After.IsZero() {
			after := domain.Message{ID: opts.AfterID, CreatedAt: opts.After}
			if (opts.AfterID == "" && !m.CreatedAt.After(opts.After)) || !after.Before(m) {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if opts.Ascending {
			return out[i].Before(out[j])
		}
		return out[j].Before(out[i])
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get_message"); err != nil {
		return domain.Message{}, err
	}
	row, ok := s.rows[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return s.messageLocked(row), nil
}

func (s *memStore) GetProfile(_ context.Context, userID string) (domain.Author, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get_profile"); err != nil {
		return domain.Author{}, err
	}
	a, ok := s.profiles[userID]
	if !ok {
		return domain.Author{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *memStore) UpsertProfile(_ context.Context, a domain.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[a.ID] = a
	return nil
}
