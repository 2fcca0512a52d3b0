// Package opview keeps an operator's local view of conversations consistent
// while events arrive from two directions: pushes over the websocket stream and
// periodic pulls from the REST surface.
//
// Each conversation is one owned entry with commutative update rules:
//   - snapshot (pull, conversation_new, conversation_status): last writer wins on UpdatedAt
//   - message (push or pulled history): append if the id is absent
//
// so applying the same set of updates in any order converges to the same view.
package opview

import (
	"cmp"
	"slices"
	"sync"
	"time"

	v1 "desk/shared/contracts/chat/v1"
)

const cacheShards = 16

// Entry is a read-only copy of one conversation's state.
type Entry struct {
	Conversation v1.ConversationView
	// Stub is true until a snapshot for the conversation has been seen.
	Stub     bool
	Messages int
}

// Cache is safe for concurrent use. Updates to one conversation are serialized;
// different conversations never block each other.
type Cache struct {
	shards [cacheShards]cacheShard
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[int64]*entry
}

type entry struct {
	mu sync.Mutex

	conv      v1.ConversationView
	stub      bool
	lastMsgAt time.Time

	timeline []v1.MessageView
	seen     map[int64]struct{}
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].entries = make(map[int64]*entry)
	}
	return c
}

func (c *Cache) shard(id int64) *cacheShard {
	return &c.shards[uint64(id)%cacheShards]
}

func (c *Cache) lookup(id int64) *entry {
	s := c.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (c *Cache) getOrCreate(id int64) *entry {
	if e := c.lookup(id); e != nil {
		return e
	}
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e
	}
	e := &entry{conv: v1.ConversationView{ID: id}, stub: true, seen: make(map[int64]struct{})}
	s.entries[id] = e
	return e
}

// ApplyPull replaces the snapshot of every conversation in the page.
func (c *Cache) ApplyPull(page v1.ConversationPage) {
	for _, conv := range page.Items {
		c.ApplySnapshot(conv)
	}
}

// ApplySnapshot stores conv unless a newer snapshot is already held. Stubs are always replaced.
func (c *Cache) ApplySnapshot(conv v1.ConversationView) {
	if conv.ID <= 0 {
		return
	}
	e := c.getOrCreate(conv.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stub || !conv.UpdatedAt.Before(e.conv.UpdatedAt) {
		e.conv = conv
		e.stub = false
	}
}

// ApplyHistory merges pulled messages of one conversation. Known ids are ignored.
func (c *Cache) ApplyHistory(conversationID int64, msgs []v1.MessageView) {
	if conversationID <= 0 || len(msgs) == 0 {
		return
	}
	e := c.getOrCreate(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range msgs {
		if m.ConversationID == conversationID {
			e.insert(m)
		}
	}
}

// gapBelow reports whether merging page (newest first) would leave a hole:
// the cache holds messages older than the page's oldest one but not that
// message itself.
func (c *Cache) gapBelow(conversationID int64, page []v1.MessageView) bool {
	if len(page) == 0 {
		return false
	}
	e := c.lookup(conversationID)
	if e == nil {
		return false
	}
	oldest := page[len(page)-1]

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seen[oldest.ID]; ok {
		return false
	}
	return len(e.timeline) > 0 && compareMessages(e.timeline[0], oldest) < 0
}

// ApplyPush merges one pushed event. It reports whether the event referenced a
// conversation the cache had not seen before.
func (c *Cache) ApplyPush(ev v1.Event) (newConversation bool) {
	switch e := ev.(type) {
	case v1.ConversationCreated:
		newConversation = c.lookup(e.Conversation.ID) == nil
		c.ApplySnapshot(e.Conversation)
	case v1.ConversationStatusChanged:
		newConversation = c.lookup(e.Conversation.ID) == nil
		c.ApplySnapshot(e.Conversation)
	case v1.MessageCreated:
		id := e.Message.ConversationID
		if id <= 0 {
			return false
		}
		newConversation = c.lookup(id) == nil
		ent := c.getOrCreate(id)
		ent.mu.Lock()
		ent.insert(e.Message)
		ent.mu.Unlock()
	}
	return newConversation
}

// insert adds m in (SendTime, ID) order. Caller holds e.mu.
func (e *entry) insert(m v1.MessageView) {
	if _, ok := e.seen[m.ID]; ok {
		return
	}
	e.seen[m.ID] = struct{}{}

	i, _ := slices.BinarySearchFunc(e.timeline, m, compareMessages)
	e.timeline = slices.Insert(e.timeline, i, m)

	if m.SendTime.After(e.lastMsgAt) {
		e.lastMsgAt = m.SendTime
	}
}

func compareMessages(a, b v1.MessageView) int {
	if c := a.SendTime.Compare(b.SendTime); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// snapshot returns the exposed view. Caller holds e.mu.
func (e *entry) snapshot() Entry {
	conv := e.conv
	if e.lastMsgAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = e.lastMsgAt
	}
	return Entry{Conversation: conv, Stub: e.stub, Messages: len(e.timeline)}
}

// MergedTimeline returns a copy of the conversation's messages, oldest first.
func (c *Cache) MergedTimeline(conversationID int64) []v1.MessageView {
	e := c.lookup(conversationID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.timeline)
}

// Conversation returns the entry for id.
func (c *Cache) Conversation(id int64) (Entry, bool) {
	e := c.lookup(id)
	if e == nil {
		return Entry{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// Conversations returns every entry, most recently updated first.
func (c *Cache) Conversations() []Entry {
	var entries []*entry
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			entries = append(entries, e)
		}
		s.mu.RUnlock()
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := b.Conversation.UpdatedAt.Compare(a.Conversation.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Conversation.ID, a.Conversation.ID)
	})
	return out
}

// IDs returns every tracked conversation id in ascending order.
func (c *Cache) IDs() []int64 {
	var ids []int64
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for id := range s.entries {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of tracked conversations.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
