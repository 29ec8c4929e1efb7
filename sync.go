package massager

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Collaborators
// ============================================================================

// Remote is the request/response API the engine drives. *Client implements it.
type Remote interface {
	SetToken(token string)
	Login(ctx context.Context, username, password string) *Result
	ListChats(ctx context.Context) *Result
	ListMessages(ctx context.Context, id ChatID, limit int) *Result
	CreateChat(ctx context.Context, name string, members []string) *Result
	DeleteChat(ctx context.Context, id ChatID) *Result
}

// Transport is the realtime channel. *RealtimeSession implements it.
type Transport interface {
	Connect(ctx context.Context, token string) error
	Send(ctx context.Context, ev OutboundEvent) error
	Close() error
	State() SessionState
	Subscribe(h SessionHandler)
}

// Credentials is durable storage for the identity. *FileCredentials
// implements it.
type Credentials interface {
	Load() (Identity, error)
	Save(id Identity) error
	Clear() error
}

var (
	_ Remote      = (*Client)(nil)
	_ Transport   = (*RealtimeSession)(nil)
	_ Credentials = (*FileCredentials)(nil)
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// HistoryLimit is the page size fetched when a chat is selected.
	HistoryLimit int
	// ProbeConcurrency bounds parallel last-message fetches.
	ProbeConcurrency int
	Logger           *slog.Logger
	Now              func() time.Time
}

func (o *EngineOptions) defaults() {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.HistoryLimit > MaxHistoryLimit {
		o.HistoryLimit = MaxHistoryLimit
	}
	if o.ProbeConcurrency <= 0 {
		o.ProbeConcurrency = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

var errEngineStopped = errors.New("engine stopped")

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles HTTP responses and realtime events into the Store. All
// state changes run as ops on the goroutine executing Run, so each handler
// completes before the next one starts. Network calls happen on the
// caller's goroutine and their results are re-checked on the loop.
type Engine struct {
	remote    Remote
	transport Transport
	store     *Store
	creds     Credentials
	opts      EngineOptions
	logger    *slog.Logger

	ops     chan func()
	stopped chan struct{}
	runCtx  context.Context
	runOnce sync.Once

	// owned by the run loop
	selectSeq uint64
	rosterGen uint64

	errMu   sync.RWMutex
	onError []func(error)
}

// NewEngine wires the engine to its collaborators and subscribes it to the
// transport. creds may be nil.
func NewEngine(remote Remote, transport Transport, store *Store, creds Credentials, opts EngineOptions) *Engine {
	opts.defaults()
	e := &Engine{
		remote:    remote,
		transport: transport,
		store:     store,
		creds:     creds,
		opts:      opts,
		logger:    opts.Logger,
		ops:       make(chan func(), 256),
		stopped:   make(chan struct{}),
		runCtx:    context.Background(),
	}
	store.SetLogger(opts.Logger)
	transport.Subscribe(e)
	return e
}

func (e *Engine) Store() *Store { return e.store }

// OnError registers a handler for failures that are not the answer to a
// caller's request: server error events and the transport giving up.
func (e *Engine) OnError(h func(error)) {
	e.errMu.Lock()
	e.onError = append(e.onError, h)
	e.errMu.Unlock()
}

func (e *Engine) reportError(err error) {
	var hs []func(error)
	e.errMu.RLock()
	hs = append(hs, e.onError...)
	e.errMu.RUnlock()
	for _, h := range hs {
		h(err)
	}
}

// Run executes ops until ctx is done. It must be called exactly once.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("engine already running")
	}
	e.runCtx = ctx
	defer close(e.stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-e.ops:
			e.runOp(op)
		}
	}
}

func (e *Engine) runOp(op func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine op panicked", "panic", r)
		}
	}()
	op()
}

// exec runs fn on the loop and waits for it to finish.
func (e *Engine) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case e.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return errEngineStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return errEngineStopped
	}
}

// post queues fn on the loop without waiting.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.stopped:
	}
}

func (e *Engine) update(fn func(tx *Tx) error) error {
	return e.store.Update(fn)
}

// ============================================================================
// Session lifecycle
// ============================================================================

// Login authenticates, persists the identity, connects the realtime session
// and loads the roster.
func (e *Engine) Login(ctx context.Context, username, password string) error {
	res := e.remote.Login(ctx, username, password)
	if err := res.Failure(); err != nil {
		return err
	}
	var data LoginData
	if err := res.Decode(&data); err != nil {
		return &Error{Kind: KindServer, Message: "malformed login response", Err: err}
	}
	return e.start(ctx, Identity{Username: strings.TrimSpace(username), Token: data.Token}, true)
}

// Resume restores a stored identity. It reports false when there is none or
// the stored token has expired, in which case the stale credential is
// discarded.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	if e.creds == nil {
		return false, nil
	}
	id, err := e.creds.Load()
	if err != nil {
		return false, err
	}
	if id.Token == "" || id.Username == "" {
		return false, nil
	}
	if exp, ok := TokenExpiry(id.Token); ok && !exp.After(e.opts.Now()) {
		e.logger.Info("stored credential expired", "username", id.Username, "expired_at", exp)
		if err := e.creds.Clear(); err != nil {
			e.logger.Warn("failed to clear expired credential", "error", err)
		}
		return false, nil
	}
	return true, e.start(ctx, id, false)
}

func (e *Engine) start(ctx context.Context, id Identity, persist bool) error {
	e.remote.SetToken(id.Token)
	var prev Identity
	err := e.exec(ctx, func() {
		e.selectSeq++
		e.rosterGen++
		e.update(func(tx *Tx) error {
			prev = tx.Identity()
			if prev.Username != id.Username {
				tx.Clear()
			}
			tx.SetIdentity(id)
			return nil
		})
	})
	if err != nil {
		return err
	}
	// The open connection is authenticated with the previous credential.
	if prev.Token != "" && prev.Token != id.Token {
		if err := e.transport.Close(); err != nil {
			e.logger.Debug("closing previous realtime session", "error", err)
		}
	}
	if persist && e.creds != nil {
		if err := e.creds.Save(id); err != nil {
			e.logger.Warn("failed to persist credential", "error", err)
		}
	}
	if err := e.transport.Connect(ctx, id.Token); err != nil {
		e.logger.Warn("realtime unavailable, retrying in background", "error", err)
	}
	return e.LoadRoster(ctx)
}

// Logout closes the realtime session without reconnecting, clears the store
// and deletes the stored credential.
func (e *Engine) Logout(ctx context.Context) error {
	if err := e.transport.Close(); err != nil {
		e.logger.Debug("closing realtime session", "error", err)
	}
	e.remote.SetToken("")
	err := e.exec(ctx, func() {
		e.selectSeq++
		e.rosterGen++
		e.update(func(tx *Tx) error {
			tx.Clear()
			return nil
		})
	})
	if err != nil {
		return err
	}
	if e.creds != nil {
		return e.creds.Clear()
	}
	return nil
}

// ============================================================================
// Roster
// ============================================================================

// LoadRoster replaces the roster with the server's list, fetches the last
// message of chats that have none cached and announces every chat on the
// realtime channel. A reload superseded by a newer one is discarded.
func (e *Engine) LoadRoster(ctx context.Context) error {
	var gen uint64
	if err := e.exec(ctx, func() {
		e.rosterGen++
		gen = e.rosterGen
	}); err != nil {
		return err
	}

	res := e.remote.ListChats(ctx)
	if err := res.Failure(); err != nil {
		return err
	}
	var list ChatList
	if err := res.Decode(&list); err != nil {
		return &Error{Kind: KindServer, Message: "malformed chat list", Err: err}
	}

	var (
		missing []ChatID
		stale   bool
		joins   []OutboundEvent
	)
	err := e.exec(ctx, func() {
		if gen != e.rosterGen {
			stale = true
			return
		}
		e.update(func(tx *Tx) error {
			tx.ReplaceRoster(list.Chats)
			for _, c := range tx.Roster() {
				if _, ok := tx.LastMessage(c.ID); !ok {
					missing = append(missing, c.ID)
				}
			}
			return nil
		})
		joins = e.joinEvents()
	})
	if err != nil {
		return err
	}
	if stale {
		e.logger.Debug("discarding stale roster", "generation", gen)
		return nil
	}

	e.probeLastMessages(ctx, missing)
	e.sendJoins(ctx, joins)
	return nil
}

// probeLastMessages fetches one message for each chat and caches it unless
// something newer arrived meanwhile.
func (e *Engine) probeLastMessages(ctx context.Context, ids []ChatID) {
	sem := make(chan struct{}, e.opts.ProbeConcurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id ChatID) {
			defer wg.Done()
			defer func() { <-sem }()

			res := e.remote.ListMessages(ctx, id, 1)
			if err := res.Failure(); err != nil {
				e.logger.Debug("last message probe failed", "chat_id", id, "error", err)
				return
			}
			var list MessageList
			if err := res.Decode(&list); err != nil {
				e.logger.Debug("malformed last message probe", "chat_id", id, "error", err)
				return
			}
			latest, ok := latestMessage(list.Messages)
			if !ok {
				return
			}
			e.exec(ctx, func() {
				e.update(func(tx *Tx) error {
					if _, ok := tx.Chat(id); ok {
						tx.SetLastMessage(id, latest, false)
					}
					return nil
				})
			})
		}(id)
	}
	wg.Wait()
}

func latestMessage(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	latest := msgs[0]
	for _, m := range msgs[1:] {
		if !m.Timestamp.Before(latest.Timestamp) {
			latest = m
		}
	}
	return latest, true
}

// joinEvents builds one join per roster chat. Called on the loop.
func (e *Engine) joinEvents() []OutboundEvent {
	snap := e.store.Snapshot()
	evs := make([]OutboundEvent, 0, len(snap.Roster))
	for _, c := range snap.Roster {
		evs = append(evs, OutboundEvent{Type: EventJoinChat, ChatID: c.ID, Sender: snap.Identity.Username})
	}
	return evs
}

func (e *Engine) sendJoins(ctx context.Context, evs []OutboundEvent) {
	if len(evs) == 0 || e.transport.State() != StateOpen {
		return
	}
	for _, ev := range evs {
		if err := e.transport.Send(ctx, ev); err != nil {
			e.logger.Warn("failed to join chat", "chat_id", ev.ChatID, "error", err)
			return
		}
	}
	e.logger.Debug("announced chats", "count", len(evs))
}

// ============================================================================
// Selection
// ============================================================================

// SelectChat makes id the active chat, resets its unread counter, joins it
// and loads its history. When selections race, the last one wins and
// history for a chat that is no longer active is discarded.
func (e *Engine) SelectChat(ctx context.Context, id ChatID) error {
	var (
		seq      uint64
		username string
		err      error
	)
	if xerr := e.exec(ctx, func() {
		err = e.update(func(tx *Tx) error {
			username = tx.Identity().Username
			return tx.SetActive(id)
		})
		if err == nil {
			e.selectSeq++
			seq = e.selectSeq
		}
	}); xerr != nil {
		return xerr
	}
	if err != nil {
		return err
	}

	if e.transport.State() == StateOpen {
		if err := e.transport.Send(ctx, OutboundEvent{Type: EventJoinChat, ChatID: id, Sender: username}); err != nil {
			e.logger.Debug("join on select failed", "chat_id", id, "error", err)
		}
	}

	res := e.remote.ListMessages(ctx, id, e.opts.HistoryLimit)
	if err := res.Failure(); err != nil {
		return err
	}
	var list MessageList
	if err := res.Decode(&list); err != nil {
		return &Error{Kind: KindServer, Message: "malformed message history", Err: err}
	}

	return e.exec(ctx, func() {
		if seq != e.selectSeq {
			e.logger.Debug("discarding stale history", "chat_id", id)
			return
		}
		e.update(func(tx *Tx) error {
			if tx.Active() != id {
				return nil
			}
			tx.ReplaceMessages(list.Messages)
			if latest, ok := latestMessage(list.Messages); ok {
				tx.SetLastMessage(id, latest, false)
			}
			return nil
		})
	})
}

// ============================================================================
// Mutations
// ============================================================================

// CreateChat validates locally, creates the chat on the server and reloads
// the roster. It returns the id the server assigned.
func (e *Engine) CreateChat(ctx context.Context, name string, members []string) (ChatID, error) {
	self := e.store.Snapshot().Identity.Username
	req, err := ValidateNewChat(self, name, members)
	if err != nil {
		return "", err
	}
	res := e.remote.CreateChat(ctx, req.ChatName, req.MemberIDs)
	if err := res.Failure(); err != nil {
		return "", err
	}
	var created CreatedChat
	if err := res.Decode(&created); err != nil {
		e.logger.Debug("unreadable create chat response", "error", err)
	}
	if err := e.LoadRoster(ctx); err != nil {
		e.logger.Warn("roster reload after create failed", "error", err)
	}
	return created.Ref(), nil
}

// DeleteChat removes the chat locally, then on the server. If the server
// refuses, the roster is reloaded to restore the server's view.
func (e *Engine) DeleteChat(ctx context.Context, id ChatID) error {
	if err := e.exec(ctx, func() { e.removeChat(id) }); err != nil {
		return err
	}
	res := e.remote.DeleteChat(ctx, id)
	if err := res.Failure(); err != nil {
		if rerr := e.LoadRoster(ctx); rerr != nil {
			e.logger.Warn("roster reload after failed delete", "error", rerr)
		}
		return err
	}
	return nil
}

// removeChat runs on the loop. It also invalidates any roster load in
// flight, whose answer may still list the chat.
func (e *Engine) removeChat(id ChatID) {
	e.rosterGen++
	e.update(func(tx *Tx) error {
		if tx.Active() == id {
			e.selectSeq++
		}
		tx.RemoveChat(id)
		return nil
	})
}

// SendMessage sends content to the active chat. There is no local echo: the
// message is displayed when the server relays it back.
func (e *Engine) SendMessage(ctx context.Context, content string) error {
	snap := e.store.Snapshot()
	if snap.Active == "" {
		return validationError("no chat selected")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return validationError("message is empty")
	}
	if e.transport.State() != StateOpen {
		return ErrNotConnected
	}
	return e.transport.Send(ctx, OutboundEvent{
		Type:     EventMessage,
		ChatID:   snap.Active,
		Content:  content,
		Sender:   snap.Identity.Username,
		ClientID: uuid.NewString(),
	})
}

// ============================================================================
// Realtime handlers
// ============================================================================

// HandleOpened announces every roster chat once per connection.
func (e *Engine) HandleOpened() {
	e.post(func() {
		joins := e.joinEvents()
		go e.sendJoins(e.runCtx, joins)
	})
}

func (e *Engine) HandleClosed(err error) {
	if err != nil {
		e.logger.Debug("realtime closed", "error", err)
	}
}

func (e *Engine) HandleTransportError(err error) {
	e.logger.Warn("realtime transport error", "error", err)
	e.reportError(err)
}

// HandleEvent queues an inbound event. Events are applied in arrival order.
func (e *Engine) HandleEvent(ev InboundEvent) {
	e.post(func() { e.applyEvent(ev) })
}

func (e *Engine) applyEvent(ev InboundEvent) {
	switch ev.Type {
	case EventMessage:
		var m Message
		if err := ev.Decode(&m); err != nil {
			e.logger.Warn("dropping malformed message event", "error", err)
			return
		}
		e.applyMessage(m)
	case EventChatCreated:
		var created ChatCreatedEvent
		if err := ev.Decode(&created); err != nil {
			e.logger.Warn("dropping malformed chat_created event", "error", err)
			return
		}
		self := e.store.Snapshot().Identity.Username
		for _, m := range created.Members {
			if m == self {
				go func() {
					if err := e.LoadRoster(e.runCtx); err != nil {
						e.logger.Warn("roster reload after chat_created failed", "error", err)
					}
				}()
				return
			}
		}
	case EventChatDeleted:
		var deleted ChatDeletedEvent
		if err := ev.Decode(&deleted); err != nil || deleted.ChatID == "" {
			e.logger.Warn("dropping malformed chat_deleted event", "error", err)
			return
		}
		e.removeChat(deleted.ChatID)
	case EventError:
		var se ServerErrorEvent
		if err := ev.Decode(&se); err != nil {
			e.logger.Warn("dropping malformed error event", "error", err)
			return
		}
		e.logger.Warn("server error event", "error", se.Error, "details", se.Details, "chat_id", se.ChatID)
		e.reportError(&Error{Kind: KindServer, Message: se.Text()})
	default:
		e.logger.Debug("ignoring realtime event", "type", ev.Type)
	}
}

// applyMessage is called on the loop. A message for a chat outside the
// roster, or one already seen, is ignored entirely. Otherwise it refreshes
// the last-message cache and is either appended to the active chat or
// counted as unread.
func (e *Engine) applyMessage(m Message) {
	if m.ChatID == "" {
		e.logger.Warn("dropping message without chat_id")
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = e.opts.Now().UTC()
		m.Provisional = true
	}
	e.update(func(tx *Tx) error {
		if _, ok := tx.Chat(m.ChatID); !ok {
			e.logger.Debug("dropping message for chat outside the roster", "chat_id", m.ChatID)
			return nil
		}
		if !tx.Observe(m) {
			e.logger.Debug("dropping duplicate message", "key", m.Key())
			return nil
		}
		tx.SetLastMessage(m.ChatID, m, true)
		if tx.Active() == m.ChatID {
			tx.AppendMessage(m)
		} else {
			tx.IncrementUnread(m.ChatID)
		}
		return nil
	})
}
