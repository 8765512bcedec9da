// Package chats owns the in-memory chat cache and the JSON-per-conversation
// file store: appends and dedups messages, tracks active participants, and
// rotates backups.
package chats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dmarkelov/vkgrab/internal/bus"
	"github.com/dmarkelov/vkgrab/internal/retry"
	"github.com/dmarkelov/vkgrab/internal/users"
	"github.com/dmarkelov/vkgrab/internal/vk"
	"github.com/dmarkelov/vkgrab/internal/wire"
	"go.uber.org/zap"
)

// ConversationFetcher supplies remote conversation metadata for lazy chat
// creation and membership refresh.
type ConversationFetcher interface {
	GetConversation(ctx context.Context, peerID int64) (*vk.Conversation, error)
}

// Options configures a Manager.
type Options struct {
	Dir            string
	MaxCachedChats int
	// SelfID resolves the outgoing-author sentinel to the local account.
	SelfID                    int64
	BackupsEnabled            bool
	MaxBackups                int
	AutoSaveInterval          time.Duration
	MembershipRefreshInterval time.Duration
}

// Manager is the chat persistence manager. Mutations on the same chat id
// are serialized; independent chats are written concurrently.
type Manager struct {
	mu    sync.Mutex
	cache map[int64]*Chat
	// order tracks cache insertion for FIFO eviction.
	order []int64
	dirty map[int64]bool
	locks map[int64]*sync.Mutex

	opts     Options
	resolver *users.Resolver
	conv     ConversationFetcher
	retryer  *retry.Retryer
	bus      *bus.Bus
	clock    retry.Clock
	logger   *zap.Logger

	// onSaved is called with each successfully written file path, letting
	// the integrity layer track checksums.
	onSaved func(path string)

	cancel context.CancelFunc
	done   chan struct{}
}

// OnSaved registers a callback invoked after every successful file write.
func (m *Manager) OnSaved(fn func(path string)) {
	m.mu.Lock()
	m.onSaved = fn
	m.mu.Unlock()
}

// NewManager creates a chat persistence manager.
func NewManager(opts Options, resolver *users.Resolver, conv ConversationFetcher, retryer *retry.Retryer, b *bus.Bus, clock retry.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = retry.RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cache:    make(map[int64]*Chat),
		dirty:    make(map[int64]bool),
		locks:    make(map[int64]*sync.Mutex),
		opts:     opts,
		resolver: resolver,
		conv:     conv,
		retryer:  retryer,
		bus:      b,
		clock:    clock,
		logger:   logger,
	}
}

// SetSelfID sets the account id substituted for the outgoing-author
// sentinel. Called once after the account is identified.
func (m *Manager) SetSelfID(id int64) {
	m.mu.Lock()
	m.opts.SelfID = id
	m.mu.Unlock()
}

func (m *Manager) selfID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.SelfID
}

// chatLock returns the serialization mutex for a chat id.
func (m *Manager) chatLock(chatID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[chatID] = l
	}
	return l
}

// AppendMessage inserts a parsed message into its chat, creating the chat
// on first contact. Re-delivery of an already-stored message id replaces
// the record in place; the message list stays sorted by timestamp. The
// chat is written through to disk on every mutation.
func (m *Manager) AppendMessage(ctx context.Context, chatID int64, msg *wire.Message) error {
	l := m.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	chat, err := m.getOrCreate(ctx, chatID)
	if err != nil {
		return err
	}

	stored := *msg
	if self := m.selfID(); stored.FromID == wire.OutgoingAuthor && self != 0 {
		stored.FromID = self
	}

	m.ensureParticipant(ctx, chat, stored.FromID)

	if i := chat.messageIndex(stored.ID); i >= 0 {
		chat.Messages[i] = stored
	} else {
		chat.Messages = append(chat.Messages, stored)
		sort.SliceStable(chat.Messages, func(a, b int) bool {
			return chat.Messages[a].Timestamp < chat.Messages[b].Timestamp
		})
	}
	chat.markActive(stored.FromID)
	chat.UpdatedAt = m.clock.Now()

	if err := m.saveChat(ctx, chat); err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindMessageStored,
			Timestamp: m.clock.Now(),
			Payload:   map[string]int64{"chat_id": chatID, "msg_id": stored.ID},
		})
	}
	return nil
}

// UpdateFlags applies a flag change to an already-stored message.
// Unknown message ids are ignored: flag events routinely reference
// messages from before the collector started.
func (m *Manager) UpdateFlags(ctx context.Context, chatID, messageID int64, mask int, set bool) error {
	l := m.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	chat := m.getCached(chatID)
	if chat == nil {
		var err error
		chat, err = m.loadChat(chatID)
		if err != nil || chat == nil {
			return err
		}
		m.admit(chat)
	}

	i := chat.messageIndex(messageID)
	if i < 0 {
		return nil
	}
	raw := chat.Messages[i].RawFlags
	if set {
		raw |= mask
	} else {
		raw &^= mask
	}
	chat.Messages[i].RawFlags = raw
	chat.Messages[i].Flags = wire.DecodeFlags(raw)
	chat.UpdatedAt = m.clock.Now()

	return m.saveChat(ctx, chat)
}

// ReplaceFlags overwrites a stored message's flag mask. Unknown message
// ids are ignored, like UpdateFlags.
func (m *Manager) ReplaceFlags(ctx context.Context, chatID, messageID int64, mask int) error {
	l := m.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	chat := m.getCached(chatID)
	if chat == nil {
		var err error
		chat, err = m.loadChat(chatID)
		if err != nil || chat == nil {
			return err
		}
		m.admit(chat)
	}

	i := chat.messageIndex(messageID)
	if i < 0 {
		return nil
	}
	chat.Messages[i].RawFlags = mask
	chat.Messages[i].Flags = wire.DecodeFlags(mask)
	chat.UpdatedAt = m.clock.Now()

	return m.saveChat(ctx, chat)
}

// GetChatData returns the chat from memory, falling back to its file.
// Returns nil for a chat that was never stored.
func (m *Manager) GetChatData(chatID int64) (*Chat, error) {
	l := m.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	if chat := m.getCached(chatID); chat != nil {
		return chat, nil
	}
	chat, err := m.loadChat(chatID)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		m.admit(chat)
	}
	return chat, nil
}

func (m *Manager) getCached(chatID int64) *Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache[chatID]
}

// admit places a chat into the bounded FIFO cache, evicting the oldest
// entry once capacity is exceeded.
func (m *Manager) admit(chat *Chat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache[chat.ID]; ok {
		m.cache[chat.ID] = chat
		return
	}
	if m.opts.MaxCachedChats > 0 && len(m.cache) >= m.opts.MaxCachedChats {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.cache, oldest)
		delete(m.dirty, oldest)
	}
	m.cache[chat.ID] = chat
	m.order = append(m.order, chat.ID)
}

// getOrCreate loads or lazily creates the chat. Callers hold the chat lock.
func (m *Manager) getOrCreate(ctx context.Context, chatID int64) (*Chat, error) {
	if chat := m.getCached(chatID); chat != nil {
		return chat, nil
	}
	chat, err := m.loadChat(chatID)
	if err != nil {
		m.logger.Warn("chat load failed, creating fresh record", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if chat == nil {
		chat = m.createChat(ctx, chatID)
		if m.bus != nil {
			m.bus.Publish(bus.Event{Kind: bus.KindChatCreated, Timestamp: m.clock.Now(), Payload: chatID})
		}
	}
	m.admit(chat)
	return chat, nil
}

// createChat builds a new chat record, using remote metadata when
// available and a synthesized fallback otherwise.
func (m *Manager) createChat(ctx context.Context, chatID int64) *Chat {
	now := m.clock.Now()
	chat := &Chat{ID: chatID, CreatedAt: now, UpdatedAt: now}

	if chatID >= wire.GroupPeerBase && m.conv != nil {
		if conv, err := m.conv.GetConversation(ctx, chatID); err == nil && conv != nil {
			chat.Name = conv.Title
			resolved := m.resolver.ResolveMany(ctx, conv.MemberIDs)
			for _, id := range conv.MemberIDs {
				chat.Users = append(chat.Users, resolved[id])
			}
		} else if err != nil {
			m.logger.Warn("conversation metadata fetch failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	} else if chatID < wire.GroupPeerBase && m.resolver != nil {
		if u, err := m.resolver.Resolve(ctx, chatID); err == nil {
			chat.Name = u.DisplayName
			chat.Users = []users.User{u}
		}
	}

	if chat.Name == "" {
		chat.Name = fmt.Sprintf("Chat %d", chatID)
	}
	return chat
}

// ensureParticipant resolves the author and records them in the chat.
func (m *Manager) ensureParticipant(ctx context.Context, chat *Chat, userID int64) {
	if userID <= 0 || chat.hasUser(userID) {
		return
	}
	u, err := m.resolver.Resolve(ctx, userID)
	if err != nil {
		u = users.Placeholder(userID)
	}
	chat.Users = append(chat.Users, u)
}

// loadChat reads the chat's file. Returns nil, nil if no file exists.
func (m *Manager) loadChat(chatID int64) (*Chat, error) {
	matches, err := filepath.Glob(chatFilePattern(m.opts.Dir, chatID))
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, fmt.Errorf("read chat file: %w", err)
	}
	var stored StoredChatFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode chat file %s: %w", matches[0], err)
	}
	chat := stored.Chat
	return &chat, nil
}

// saveChat writes the chat through to disk, backing up the prior version
// first when backups are enabled. Filesystem failures go through the
// retryer; if those attempts are exhausted the chat is marked dirty and a
// replay operation is buffered. The replay re-serializes from the cache at
// flush time, so a stale snapshot can never overwrite a newer write.
func (m *Manager) saveChat(ctx context.Context, chat *Chat) error {
	label := fmt.Sprintf("chat_save:%d", chat.ID)
	var path string
	err := m.retryer.Do(ctx, label, func(context.Context) error {
		var werr error
		path, werr = m.writeChat(chat)
		return werr
	})
	if err != nil {
		if m.markDirty(chat.ID) {
			id := chat.ID
			m.retryer.BufferOp(label, retry.High, err, func(context.Context) error {
				return m.replaySave(id)
			})
		}
		return err
	}
	m.finishSave(chat.ID, path)
	return nil
}

// writeChat encodes the chat and writes its file, returning the path
// written. Callers hold the chat lock.
func (m *Manager) writeChat(chat *Chat) (string, error) {
	// Reuse the existing file for this chat id so a renamed conversation
	// does not fork a second file.
	path := filepath.Join(m.opts.Dir, chatFileName(chat.ID, chat.Name))
	if matches, err := filepath.Glob(chatFilePattern(m.opts.Dir, chat.ID)); err == nil && len(matches) > 0 {
		path = matches[0]
	}

	data, err := encodeStoredChat(chat)
	if err != nil {
		return "", fmt.Errorf("encode chat %d: %w", chat.ID, err)
	}

	if err := os.MkdirAll(m.opts.Dir, 0700); err != nil {
		return "", err
	}
	if m.opts.BackupsEnabled {
		if err := backupFile(path, m.clock.Now().Unix()); err != nil {
			return "", err
		}
		pruneBackups(path, m.opts.MaxBackups)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

// replaySave is the buffered form of a failed save. It serializes the
// chat's current in-memory state rather than the snapshot that failed, and
// becomes a no-op once a later write has already succeeded.
func (m *Manager) replaySave(chatID int64) error {
	l := m.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	if !m.isDirty(chatID) {
		return nil
	}
	chat := m.getCached(chatID)
	if chat == nil {
		m.clearDirty(chatID)
		return nil
	}
	path, err := m.writeChat(chat)
	if err != nil {
		return err
	}
	m.finishSave(chatID, path)
	return nil
}

func (m *Manager) finishSave(chatID int64, path string) {
	m.clearDirty(chatID)
	m.mu.Lock()
	onSaved := m.onSaved
	m.mu.Unlock()
	if onSaved != nil {
		onSaved(path)
	}
}

// markDirty flags a chat whose last write failed. Returns true on the
// transition from clean to dirty, so each dirty episode buffers at most
// one replay operation.
func (m *Manager) markDirty(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirty[chatID] {
		return false
	}
	m.dirty[chatID] = true
	return true
}

func (m *Manager) isDirty(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty[chatID]
}

func (m *Manager) clearDirty(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dirty, chatID)
}

// FlushDirty writes every cached chat whose last write failed.
func (m *Manager) FlushDirty(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		l := m.chatLock(id)
		l.Lock()
		if chat := m.getCached(id); chat != nil {
			if err := m.saveChat(ctx, chat); err != nil {
				m.logger.Warn("auto-save failed", zap.Int64("chat_id", id), zap.Error(err))
			}
		}
		l.Unlock()
	}
}

// RefreshMemberships re-fetches conversation membership for cached group
// chats to discover participants who joined without sending a message.
func (m *Manager) RefreshMemberships(ctx context.Context) {
	if m.conv == nil {
		return
	}
	m.mu.Lock()
	ids := make([]int64, 0, len(m.cache))
	for id := range m.cache {
		if id >= wire.GroupPeerBase {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		conv, err := m.conv.GetConversation(ctx, id)
		if err != nil || conv == nil {
			continue
		}
		l := m.chatLock(id)
		l.Lock()
		chat := m.getCached(id)
		if chat == nil {
			l.Unlock()
			continue
		}
		added := 0
		resolved := m.resolver.ResolveMany(ctx, conv.MemberIDs)
		for _, memberID := range conv.MemberIDs {
			if !chat.hasUser(memberID) {
				chat.Users = append(chat.Users, resolved[memberID])
				added++
			}
		}
		if added > 0 {
			chat.UpdatedAt = m.clock.Now()
			if err := m.saveChat(ctx, chat); err != nil {
				m.logger.Warn("membership refresh save failed", zap.Int64("chat_id", id), zap.Error(err))
			}
			m.logger.Info("membership refreshed", zap.Int64("chat_id", id), zap.Int("added", added))
		}
		l.Unlock()
	}
}

// Start begins the auto-save and membership-refresh background loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop halts the loops and flushes dirty chats one final time.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.FlushDirty(flushCtx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	save := time.NewTicker(m.opts.AutoSaveInterval)
	defer save.Stop()
	refresh := time.NewTicker(m.opts.MembershipRefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-save.C:
			m.FlushDirty(ctx)
		case <-refresh.C:
			m.RefreshMemberships(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CachedPayload re-encodes the in-memory copy of the chat stored at path,
// letting the integrity scanner rebuild a corrupted file from cache.
func (m *Manager) CachedPayload(path string) ([]byte, bool) {
	id, ok := chatIDFromFileName(filepath.Base(path))
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	chat := m.cache[id]
	m.mu.Unlock()
	if chat == nil {
		return nil, false
	}
	data, err := encodeStoredChat(chat)
	if err != nil {
		return nil, false
	}
	return data, true
}

func encodeStoredChat(chat *Chat) ([]byte, error) {
	stored := StoredChatFile{
		Version: storedFileVersion,
		Chat:    *chat,
		Metadata: FileMetadata{
			FileCreated:      chat.CreatedAt,
			MessageCount:     len(chat.Messages),
			ParticipantCount: len(chat.Users),
		},
	}
	if n := len(chat.Messages); n > 0 {
		stored.Metadata.LastMessageID = chat.Messages[n-1].ID
	}
	return json.MarshalIndent(&stored, "", "  ")
}
