package chat

import (
	"sort"
	"sync"

	"eventchat/internal/domain"
)

// DefaultCapacity is the number of messages kept per conversation.
const DefaultCapacity = 100

// Cache holds the newest messages of each conversation in (CreatedAt, ID)
// order. A message id appears at most once per conversation; when a
// conversation grows past capacity the oldest messages are evicted.
type Cache struct {
	capacity int

	mu    sync.RWMutex
	convs map[string][]domain.Message
}

// NewCache creates a cache. A non-positive capacity selects DefaultCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{capacity: capacity, convs: make(map[string][]domain.Message)}
}

// Capacity returns the per-conversation bound.
func (c *Cache) Capacity() int { return c.capacity }

// Insert adds m at its sorted position and evicts the oldest entries beyond
// capacity. It returns false if a message with the same id is already cached.
func (c *Cache) Insert(m domain.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.convs[m.ConversationID]
	if indexOf(msgs, m.ID) >= 0 {
		return false
	}
	i := sort.Search(len(msgs), func(i int) bool { return m.Before(msgs[i]) })
	msgs = append(msgs, domain.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	if over := len(msgs) - c.capacity; over > 0 {
		msgs = append([]domain.Message(nil), msgs[over:]...)
	}
	c.convs[m.ConversationID] = msgs
	return true
}

// Replace swaps the cached copy of m in place. Messages not in the cache are
// ignored and Replace returns false.
func (c *Cache) Replace(m domain.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.convs[m.ConversationID]
	i := indexOf(msgs, m.ID)
	if i < 0 {
		return false
	}
	msgs[i] = m
	return true
}

// Remove deletes a message by id. It reports whether anything was removed.
func (c *Cache) Remove(conversationID, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.convs[conversationID]
	i := indexOf(msgs, id)
	if i < 0 {
		return false
	}
	c.convs[conversationID] = append(msgs[:i], msgs[i+1:]...)
	return true
}

// Reset replaces a conversation's contents with msgs, keeping the newest
// capacity messages. Cached messages that sort after every message in msgs
// arrived after the snapshot was taken and are kept. Duplicate ids keep the
// first occurrence.
func (c *Cache) Reset(conversationID string, msgs []domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var newest *domain.Message
	for i := range msgs {
		if newest == nil || newest.Before(msgs[i]) {
			newest = &msgs[i]
		}
	}
	all := append([]domain.Message(nil), msgs...)
	for _, m := range c.convs[conversationID] {
		if newest == nil || newest.Before(m) {
			all = append(all, m)
		}
	}

	seen := make(map[string]bool, len(all))
	next := make([]domain.Message, 0, len(all))
	for _, m := range all {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		next = append(next, m)
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].Before(next[j]) })
	if over := len(next) - c.capacity; over > 0 {
		next = next[over:]
	}
	c.convs[conversationID] = next
}

// Get returns a cached message.
func (c *Cache) Get(conversationID, id string) (domain.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.convs[conversationID]
	if i := indexOf(msgs, id); i >= 0 {
		return msgs[i], true
	}
	return domain.Message{}, false
}

// Has reports whether id is cached for the conversation.
func (c *Cache) Has(conversationID, id string) bool {
	_, ok := c.Get(conversationID, id)
	return ok
}

// Messages returns a copy of a conversation's messages, oldest first.
func (c *Cache) Messages(conversationID string) []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Message(nil), c.convs[conversationID]...)
}

// Len returns the number of cached messages for a conversation.
func (c *Cache) Len(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.convs[conversationID])
}

// Clear drops a conversation.
func (c *Cache) Clear(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, conversationID)
}

func indexOf(msgs []domain.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
