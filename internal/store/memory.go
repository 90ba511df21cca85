package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/docuchat/docuchat/internal/model"
)

// Memory is an in-process Store used by tests and dev mode. All maps
// are guarded by one mutex; every method copies on the way in and out.
type Memory struct {
	mu           sync.RWMutex
	users        map[uuid.UUID]model.User
	usersByExt   map[uuid.UUID]uuid.UUID
	chats        map[uuid.UUID]model.Chat
	chatsByFile  map[uuid.UUID]uuid.UUID
	participants map[uuid.UUID]map[uuid.UUID]model.ChatParticipant
	messages     map[uuid.UUID][]model.Message
	files        map[uuid.UUID]model.TrackedFile
	filesByExt   map[uuid.UUID]uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{
		users:        map[uuid.UUID]model.User{},
		usersByExt:   map[uuid.UUID]uuid.UUID{},
		chats:        map[uuid.UUID]model.Chat{},
		chatsByFile:  map[uuid.UUID]uuid.UUID{},
		participants: map[uuid.UUID]map[uuid.UUID]model.ChatParticipant{},
		messages:     map[uuid.UUID][]model.Message{},
		files:        map[uuid.UUID]model.TrackedFile{},
		filesByExt:   map[uuid.UUID]uuid.UUID{},
	}
}

func (s *Memory) CreateUser(_ context.Context, u *model.User) error {
	if u == nil || u.Email == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrConflict
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.ExternalID != nil {
		if _, taken := s.usersByExt[*u.ExternalID]; taken {
			return ErrConflict
		}
		s.usersByExt[*u.ExternalID] = u.ID
	}
	s.users[u.ID] = *u
	return nil
}

func (s *Memory) UserByID(_ context.Context, id uuid.UUID) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (s *Memory) UserByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			return u, nil
		}
	}
	return model.User{}, ErrNotFound
}

func (s *Memory) UserByExternalID(_ context.Context, externalID uuid.UUID) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByExt[externalID]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *Memory) UpsertExternalUser(_ context.Context, rec ExternalUserRecord) (model.User, bool, error) {
	if rec.ExternalID == uuid.Nil {
		return model.User{}, false, ErrInvalidInput
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	// Email stays unique across local and mirrored accounts, matching
	// the users table constraint.
	ownID := s.usersByExt[rec.ExternalID]
	for id, existing := range s.users {
		if id != ownID && strings.EqualFold(existing.Email, rec.Email) {
			return model.User{}, false, ErrConflict
		}
	}
	if id, ok := s.usersByExt[rec.ExternalID]; ok {
		u := s.users[id]
		u.Email = rec.Email
		u.Username = rec.Username
		u.FullName = rec.FullName
		u.IsExternal = true
		u.LastSyncAt = &now
		s.users[id] = u
		return u, false, nil
	}
	ext := rec.ExternalID
	u := model.User{
		ID:         uuid.New(),
		ExternalID: &ext,
		Email:      rec.Email,
		Username:   rec.Username,
		FullName:   rec.FullName,
		IsExternal: true,
		IsActive:   true,
		LastSyncAt: &now,
		CreatedAt:  now,
	}
	s.users[u.ID] = u
	s.usersByExt[ext] = u.ID
	return u, true, nil
}

func (s *Memory) BindExternalIdentity(_ context.Context, userID, externalID uuid.UUID, fullName string) error {
	if externalID == uuid.Nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if existing, taken := s.usersByExt[externalID]; taken && existing != userID {
		return ErrConflict
	}
	now := time.Now().UTC()
	ext := externalID
	u.ExternalID = &ext
	u.IsExternal = true
	if u.FullName == "" {
		u.FullName = fullName
	}
	u.LastSyncAt = &now
	s.users[userID] = u
	s.usersByExt[externalID] = userID
	return nil
}

func (s *Memory) TouchLastLogin(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	u.LastLoginAt = &now
	s.users[userID] = u
	return nil
}

func (s *Memory) ChatByID(_ context.Context, id uuid.UUID) (model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return model.Chat{}, ErrNotFound
	}
	return c, nil
}

func (s *Memory) ChatByBoundFile(_ context.Context, fileID uuid.UUID) (model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.chatsByFile[fileID]
	if !ok {
		return model.Chat{}, ErrNotFound
	}
	return s.chats[id], nil
}

func (s *Memory) CreateChat(_ context.Context, chat *model.Chat, participants []model.ChatParticipant, seed *model.Message) error {
	if chat == nil || chat.CreatedBy == uuid.Nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat.BoundFileID != nil {
		if _, taken := s.chatsByFile[*chat.BoundFileID]; taken {
			return ErrConflict
		}
	}
	if chat.ID == uuid.Nil {
		chat.ID = uuid.New()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now().UTC()
	}
	chat.IsActive = true
	s.chats[chat.ID] = *chat
	if chat.BoundFileID != nil {
		s.chatsByFile[*chat.BoundFileID] = chat.ID
	}
	members := map[uuid.UUID]model.ChatParticipant{}
	for _, p := range participants {
		if _, dup := members[p.UserID]; dup {
			continue
		}
		p.ChatID = chat.ID
		if p.JoinedAt.IsZero() {
			p.JoinedAt = chat.CreatedAt
		}
		members[p.UserID] = p
	}
	s.participants[chat.ID] = members
	if seed != nil {
		seed.ChatID = chat.ID
		if seed.ID == uuid.Nil {
			seed.ID = uuid.New()
		}
		if seed.CreatedAt.IsZero() {
			seed.CreatedAt = chat.CreatedAt
		}
		s.messages[chat.ID] = append(s.messages[chat.ID], *seed)
	}
	return nil
}

func (s *Memory) ChatIDsForUser(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []uuid.UUID{}
	for chatID, members := range s.participants {
		if _, ok := members[userID]; ok {
			out = append(out, chatID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Memory) IsParticipant(_ context.Context, chatID, userID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.participants[chatID]
	if !ok {
		return false, nil
	}
	_, ok = members[userID]
	return ok, nil
}

func (s *Memory) ParticipantIDs(_ context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.participants[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]uuid.UUID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Memory) UpdateChatPreview(_ context.Context, chatID uuid.UUID, preview string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	c.LastMessage = truncatePreview(preview)
	c.LastMessageAt = &at
	s.chats[chatID] = c
	return nil
}

func (s *Memory) AppendMessage(_ context.Context, m *model.Message) error {
	if m == nil || m.Content == "" && m.Type == model.MessageText {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[m.ChatID]; !ok {
		return ErrNotFound
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	msgs := append(s.messages[m.ChatID], *m)
	// Messages are kept in chat order regardless of arrival order.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	s.messages[m.ChatID] = msgs
	return nil
}

func (s *Memory) MarkRead(_ context.Context, chatID, userID uuid.UUID, messageID *uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.participants[chatID]
	if !ok {
		return ErrNotFound
	}
	p, ok := members[userID]
	if !ok {
		return ErrNotFound
	}
	p.LastReadAt = &at
	members[userID] = p
	if messageID == nil {
		return nil
	}
	msgs := s.messages[chatID]
	for i := range msgs {
		if msgs[i].ID != *messageID {
			continue
		}
		for _, reader := range msgs[i].ReadBy {
			if reader == userID {
				return nil
			}
		}
		msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
		return nil
	}
	return ErrNotFound
}

func (s *Memory) UnreadCount(_ context.Context, chatID, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.participants[chatID]
	if !ok {
		return 0, ErrNotFound
	}
	p, ok := members[userID]
	if !ok {
		return 0, ErrNotFound
	}
	count := 0
	for _, m := range s.messages[chatID] {
		if m.AuthorID != nil && *m.AuthorID == userID {
			continue
		}
		if p.LastReadAt == nil || m.CreatedAt.After(*p.LastReadAt) {
			count++
		}
	}
	return count, nil
}

func (s *Memory) UpsertTrackedFile(_ context.Context, rec ExternalFileRecord) (model.TrackedFile, bool, error) {
	if rec.ExternalID == uuid.Nil {
		return model.TrackedFile{}, false, ErrInvalidInput
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.filesByExt[rec.ExternalID]; ok {
		f := s.files[id]
		applyFileRecord(&f, rec)
		f.LastSyncAt = &now
		s.files[id] = f
		return f, false, nil
	}
	f := model.TrackedFile{
		ID:         uuid.New(),
		ExternalID: rec.ExternalID,
		IsActive:   true,
		LastSyncAt: &now,
	}
	applyFileRecord(&f, rec)
	s.files[f.ID] = f
	s.filesByExt[rec.ExternalID] = f.ID
	return f, true, nil
}

func (s *Memory) TrackedFileByExternalID(_ context.Context, externalID uuid.UUID) (model.TrackedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.filesByExt[externalID]
	if !ok {
		return model.TrackedFile{}, ErrNotFound
	}
	return s.files[id], nil
}

func (s *Memory) UnprovisionedFiles(_ context.Context) ([]model.TrackedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.TrackedFile{}
	for _, f := range s.files {
		if f.IsActive && !f.ChatCreated {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Memory) StaleFiles(_ context.Context, olderThan time.Time) ([]model.TrackedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.TrackedFile{}
	for _, f := range s.files {
		if !f.IsActive {
			continue
		}
		if f.LastSyncAt == nil || f.LastSyncAt.Before(olderThan) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Memory) MarkChatCreated(_ context.Context, fileID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return ErrNotFound
	}
	// chat_created is monotonic: false -> true only.
	f.ChatCreated = true
	s.files[fileID] = f
	return nil
}

func applyFileRecord(f *model.TrackedFile, rec ExternalFileRecord) {
	f.Name = rec.Name
	f.Path = rec.Path
	f.Size = rec.Size
	f.FileType = rec.FileType
	f.Version = rec.Version
	f.Status = rec.Status
	f.ExtAuthorID = rec.ExtAuthorID
	f.EditorIDs = append([]uuid.UUID(nil), rec.EditorIDs...)
	f.ApproverIDs = append([]uuid.UUID(nil), rec.ApproverIDs...)
	f.ModifiedAt = rec.ModifiedAt
	if rec.AuthorID != nil {
		f.AuthorID = rec.AuthorID
	}
}

const previewLimit = 120

func truncatePreview(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= previewLimit {
		return content
	}
	// Never cut inside a multi-byte rune.
	cut := previewLimit - 3
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}
