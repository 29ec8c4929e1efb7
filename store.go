package massager

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// Snapshot
// ============================================================================

// ChangeKind is a bit set naming the parts of the state an update touched.
type ChangeKind uint16

const (
	ChangeIdentity ChangeKind = 1 << iota
	ChangeRoster
	ChangeActive
	ChangeMessages
	ChangeUnread
	ChangeLastMessage
)

func (k ChangeKind) Has(other ChangeKind) bool { return k&other != 0 }

// Snapshot is an immutable view of the session state. Slices and maps are
// shared between snapshots and must not be modified.
type Snapshot struct {
	Identity     Identity
	Roster       []Chat
	Active       ChatID
	Messages     []Message
	Unread       map[ChatID]int
	LastMessages map[ChatID]Message

	msgKeys map[string]struct{}
}

// Chat looks up a roster entry.
func (s Snapshot) Chat(id ChatID) (Chat, bool) {
	for _, c := range s.Roster {
		if c.ID == id {
			return c, true
		}
	}
	return Chat{}, false
}

// TotalUnread sums the unread counters.
func (s Snapshot) TotalUnread() int {
	n := 0
	for _, c := range s.Unread {
		n += c
	}
	return n
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Roster = append([]Chat(nil), s.Roster...)
	c.Messages = append([]Message(nil), s.Messages...)
	c.Unread = make(map[ChatID]int, len(s.Unread))
	for k, v := range s.Unread {
		c.Unread[k] = v
	}
	c.LastMessages = make(map[ChatID]Message, len(s.LastMessages))
	for k, v := range s.LastMessages {
		c.LastMessages[k] = v
	}
	c.msgKeys = make(map[string]struct{}, len(s.msgKeys))
	for k := range s.msgKeys {
		c.msgKeys[k] = struct{}{}
	}
	return c
}

// Change is delivered to listeners after every update that changed state.
type Change struct {
	Kinds    ChangeKind
	Snapshot Snapshot
}

// deliveryKey is the dedup key of m, or a fresh unique key when m carries
// nothing stable to key on.
func deliveryKey(m Message) string {
	if k := m.Key(); k != "" {
		return k
	}
	return "local:" + uuid.NewString()
}

// ============================================================================
// Store
// ============================================================================

const seenCapacity = 4096

// Store is the single source of local truth. All writes go through Update,
// which applies a Tx atomically and then notifies listeners in order.
type Store struct {
	// writeMu serializes updates and their notifications.
	writeMu sync.Mutex

	mu   sync.RWMutex
	cur  Snapshot
	seen *keyRing

	listenerMu sync.RWMutex
	listeners  map[int]func(Change)
	nextID     int
	logger     *slog.Logger
}

func NewStore() *Store {
	return &Store{
		cur:       emptySnapshot(),
		seen:      newKeyRing(seenCapacity),
		listeners: make(map[int]func(Change)),
		logger:    slog.Default(),
	}
}

// SetLogger sets the logger used to report listener panics.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Unread:       map[ChatID]int{},
		LastMessages: map[ChatID]Message{},
		msgKeys:      map[string]struct{}{},
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Subscribe registers a listener and returns a function that removes it.
// Listeners run synchronously after each update and must not call Update.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

// Update runs fn against a private copy of the state. If fn returns nil the
// copy replaces the state in one step and listeners are notified; otherwise
// nothing changes.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	tx := &Tx{next: s.cur.clone(), seen: s.seen}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if tx.kinds == 0 {
		return nil
	}

	s.mu.Lock()
	s.cur = tx.next
	s.mu.Unlock()

	s.notify(Change{Kinds: tx.kinds, Snapshot: tx.next})
	return nil
}

func (s *Store) notify(c Change) {
	s.listenerMu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenerMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("store listener panicked", "panic", r)
				}
			}()
			fn(c)
		}()
	}
}

// ============================================================================
// Tx
// ============================================================================

// Tx is a pending update. It is only valid inside the Update callback.
type Tx struct {
	next  Snapshot
	seen  *keyRing
	kinds ChangeKind
}

func (tx *Tx) Identity() Identity { return tx.next.Identity }
func (tx *Tx) Active() ChatID     { return tx.next.Active }
func (tx *Tx) Roster() []Chat     { return tx.next.Roster }

func (tx *Tx) Chat(id ChatID) (Chat, bool) { return tx.next.Chat(id) }

func (tx *Tx) LastMessage(id ChatID) (Message, bool) {
	m, ok := tx.next.LastMessages[id]
	return m, ok
}

func (tx *Tx) SetIdentity(id Identity) {
	if tx.next.Identity == id {
		return
	}
	tx.next.Identity = id
	tx.kinds |= ChangeIdentity
}

// ReplaceRoster swaps in a freshly fetched roster. Counters and cached last
// messages of chats that left the roster are dropped, and the active chat is
// cleared if it is gone.
func (tx *Tx) ReplaceRoster(chats []Chat) {
	keep := make(map[ChatID]bool, len(chats))
	for _, c := range chats {
		keep[c.ID] = true
	}
	for _, old := range tx.next.Roster {
		if keep[old.ID] {
			continue
		}
		if _, ok := tx.next.Unread[old.ID]; ok {
			delete(tx.next.Unread, old.ID)
			tx.kinds |= ChangeUnread
		}
		if _, ok := tx.next.LastMessages[old.ID]; ok {
			delete(tx.next.LastMessages, old.ID)
			tx.kinds |= ChangeLastMessage
		}
	}
	if !rosterEqual(tx.next.Roster, chats) {
		tx.next.Roster = append([]Chat(nil), chats...)
		tx.kinds |= ChangeRoster
	}
	if tx.next.Active != "" && !keep[tx.next.Active] {
		tx.clearActive()
	}
}

func rosterEqual(a, b []Chat) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Name != b[i].Name || !a[i].CreatedAt.Equal(b[i].CreatedAt) || len(a[i].Members) != len(b[i].Members) {
			return false
		}
		for j := range a[i].Members {
			if a[i].Members[j] != b[i].Members[j] {
				return false
			}
		}
	}
	return true
}

// RemoveChat drops a chat from the roster, clearing it as the active chat.
// It reports whether the chat was present.
func (tx *Tx) RemoveChat(id ChatID) bool {
	idx := -1
	for i, c := range tx.next.Roster {
		if c.ID == id {
			idx = i
			break
		}
	}
	if tx.next.Active == id {
		tx.clearActive()
	}
	if _, ok := tx.next.Unread[id]; ok {
		delete(tx.next.Unread, id)
		tx.kinds |= ChangeUnread
	}
	if _, ok := tx.next.LastMessages[id]; ok {
		delete(tx.next.LastMessages, id)
		tx.kinds |= ChangeLastMessage
	}
	if idx < 0 {
		return false
	}
	tx.next.Roster = append(tx.next.Roster[:idx:idx], tx.next.Roster[idx+1:]...)
	tx.kinds |= ChangeRoster
	return true
}

// SetActive points at a roster chat, resets its unread counter and empties
// the displayed messages. An empty id clears the pointer.
func (tx *Tx) SetActive(id ChatID) error {
	if id == "" {
		tx.clearActive()
		return nil
	}
	if _, ok := tx.next.Chat(id); !ok {
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("chat %s is not in the roster", id)}
	}
	tx.next.Active = id
	tx.kinds |= ChangeActive
	tx.resetMessages()
	if _, ok := tx.next.Unread[id]; ok {
		delete(tx.next.Unread, id)
		tx.kinds |= ChangeUnread
	}
	return nil
}

func (tx *Tx) clearActive() {
	if tx.next.Active == "" && len(tx.next.Messages) == 0 {
		return
	}
	tx.next.Active = ""
	tx.kinds |= ChangeActive
	tx.resetMessages()
}

func (tx *Tx) resetMessages() {
	tx.next.Messages = nil
	tx.next.msgKeys = map[string]struct{}{}
	tx.kinds |= ChangeMessages
}

// ReplaceMessages installs fetched history sorted by timestamp, ties kept in
// fetch order. Messages already displayed but absent from the history, such
// as realtime arrivals since selection, are kept after it.
func (tx *Tx) ReplaceMessages(history []Message) {
	sorted := append([]Message(nil), history...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	msgs := make([]Message, 0, len(sorted)+len(tx.next.Messages))
	keys := make(map[string]struct{}, len(sorted)+len(tx.next.Messages))
	add := func(m Message, key string) {
		if _, dup := keys[key]; dup {
			return
		}
		keys[key] = struct{}{}
		msgs = append(msgs, m)
	}
	for _, m := range sorted {
		add(m, deliveryKey(m))
	}
	for _, m := range tx.next.Messages {
		if k := m.Key(); k != "" {
			add(m, k)
		} else {
			msgs = append(msgs, m)
		}
	}
	tx.next.Messages = msgs
	tx.next.msgKeys = keys
	tx.kinds |= ChangeMessages
}

// AppendMessage adds m to the displayed sequence unless a message with the
// same key is already there.
func (tx *Tx) AppendMessage(m Message) bool {
	key := deliveryKey(m)
	if _, dup := tx.next.msgKeys[key]; dup {
		return false
	}
	tx.next.msgKeys[key] = struct{}{}
	tx.next.Messages = append(tx.next.Messages, m)
	tx.kinds |= ChangeMessages
	return true
}

func (tx *Tx) IncrementUnread(id ChatID) {
	tx.next.Unread[id]++
	tx.kinds |= ChangeUnread
}

// SetLastMessage caches m as the latest message of a chat. Unless force is
// set, m only replaces a cached message that is strictly older.
func (tx *Tx) SetLastMessage(id ChatID, m Message, force bool) bool {
	if cur, ok := tx.next.LastMessages[id]; ok && !force && !m.Timestamp.After(cur.Timestamp) {
		return false
	}
	tx.next.LastMessages[id] = m
	tx.kinds |= ChangeLastMessage
	return true
}

// Observe records the delivery key of a realtime message and reports whether
// it is new. Messages without a stable key are always new.
func (tx *Tx) Observe(m Message) bool {
	k := m.Key()
	if k == "" {
		return true
	}
	return tx.seen.add(k)
}

// Clear empties the whole state.
func (tx *Tx) Clear() {
	tx.next = emptySnapshot()
	tx.seen.reset()
	tx.kinds |= ChangeIdentity | ChangeRoster | ChangeActive | ChangeMessages | ChangeUnread | ChangeLastMessage
}

// ============================================================================
// Seen keys
// ============================================================================

// keyRing remembers the most recent n keys.
type keyRing struct {
	mu   sync.Mutex
	keys []string
	next int
	set  map[string]struct{}
}

func newKeyRing(n int) *keyRing {
	return &keyRing{keys: make([]string, n), set: make(map[string]struct{}, n)}
}

func (r *keyRing) add(k string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[k]; ok {
		return false
	}
	if old := r.keys[r.next]; old != "" {
		delete(r.set, old)
	}
	r.keys[r.next] = k
	r.set[k] = struct{}{}
	r.next = (r.next + 1) % len(r.keys)
	return true
}

func (r *keyRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.keys {
		r.keys[i] = ""
	}
	r.next = 0
	r.set = make(map[string]struct{}, len(r.keys))
}
