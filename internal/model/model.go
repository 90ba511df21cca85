package model

import (
	"time"

	"github.com/google/uuid"
)

// ChatKind describes how a chat came to exist.
type ChatKind string

const (
	ChatKindFile   ChatKind = "file"
	ChatKindGroup  ChatKind = "group"
	ChatKindDirect ChatKind = "direct"
)

// Role is a participant's role inside a chat.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// InvitationOrigin records how a participant ended up in a chat.
type InvitationOrigin string

const (
	InvitationAuto   InvitationOrigin = "auto"
	InvitationManual InvitationOrigin = "manual"
	InvitationSelf   InvitationOrigin = "self"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText         MessageType = "text"
	MessageFile         MessageType = "file"
	MessageImage        MessageType = "image"
	MessageSystem       MessageType = "system"
	MessageNotification MessageType = "notification"
)

type User struct {
	ID           uuid.UUID  `json:"id"`
	ExternalID   *uuid.UUID `json:"externalId,omitempty"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Username     string     `json:"username"`
	FullName     string     `json:"fullName,omitempty"`
	IsExternal   bool       `json:"isExternal"`
	IsActive     bool       `json:"isActive"`
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// PublicUser is the subset of User broadcast to other connections.
type PublicUser struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	FullName string    `json:"fullName,omitempty"`
}

func (u User) Public() PublicUser {
	return PublicUser{ID: u.ID, Username: u.Username, FullName: u.FullName}
}

type Chat struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Kind          ChatKind   `json:"kind"`
	CreatedBy     uuid.UUID  `json:"createdBy"`
	BoundFileID   *uuid.UUID `json:"boundFileId,omitempty"`
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	IsActive      bool       `json:"isActive"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type ChatParticipant struct {
	ChatID     uuid.UUID        `json:"chatId"`
	UserID     uuid.UUID        `json:"userId"`
	Role       Role             `json:"role"`
	Origin     InvitationOrigin `json:"origin"`
	JoinedAt   time.Time        `json:"joinedAt"`
	LastReadAt *time.Time       `json:"lastReadAt,omitempty"`
	Muted      bool             `json:"muted"`
	Pinned     bool             `json:"pinned"`
}

type Message struct {
	ID          uuid.UUID   `json:"id"`
	ChatID      uuid.UUID   `json:"chatId"`
	AuthorID    *uuid.UUID  `json:"authorId,omitempty"`
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
	ReplyToID   *uuid.UUID  `json:"replyToId,omitempty"`
	Attachments []string    `json:"attachments,omitempty"`
	EditedAt    *time.Time  `json:"editedAt,omitempty"`
	Deleted     bool        `json:"deleted"`
	ReadBy      []uuid.UUID `json:"readBy,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Before reports whether m sorts before other in chat order: creation
// time first, id as the tiebreak.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID.String() < other.ID.String()
}

// TrackedFile mirrors one file of the external document system.
type TrackedFile struct {
	ID          uuid.UUID   `json:"id"`
	ExternalID  uuid.UUID   `json:"externalId"`
	Name        string      `json:"name"`
	Path        string      `json:"path,omitempty"`
	Size        int64       `json:"size,omitempty"`
	FileType    string      `json:"fileType,omitempty"`
	Version     string      `json:"version,omitempty"`
	Status      string      `json:"status,omitempty"`
	AuthorID    *uuid.UUID  `json:"authorId,omitempty"`
	ExtAuthorID *uuid.UUID  `json:"extAuthorId,omitempty"`
	EditorIDs   []uuid.UUID `json:"editorIds,omitempty"`
	ApproverIDs []uuid.UUID `json:"approverIds,omitempty"`
	ModifiedAt  *time.Time  `json:"modifiedAt,omitempty"`
	ChatCreated bool        `json:"chatCreated"`
	IsActive    bool        `json:"isActive"`
	LastSyncAt  *time.Time  `json:"lastSyncAt,omitempty"`
}

// CollaboratorExternalIDs returns the external ids of everyone attached
// to the file besides the author: editors first, then approvers,
// de-duplicated in order.
func (f TrackedFile) CollaboratorExternalIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(f.EditorIDs)+len(f.ApproverIDs))
	out := make([]uuid.UUID, 0, len(f.EditorIDs)+len(f.ApproverIDs))
	for _, ids := range [][]uuid.UUID{f.EditorIDs, f.ApproverIDs} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
