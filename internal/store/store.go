package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/docuchat/docuchat/internal/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
)

// ExternalUserRecord carries the mirrored fields of one external user.
// The external id is the natural key for upserts.
type ExternalUserRecord struct {
	ExternalID uuid.UUID
	Email      string
	Username   string
	FullName   string
}

// ExternalFileRecord carries the mirrored fields of one external file.
// AuthorID is the already-resolved local user, if any mapping exists.
type ExternalFileRecord struct {
	ExternalID  uuid.UUID
	Name        string
	Path        string
	Size        int64
	FileType    string
	Version     string
	Status      string
	AuthorID    *uuid.UUID
	ExtAuthorID *uuid.UUID
	EditorIDs   []uuid.UUID
	ApproverIDs []uuid.UUID
	ModifiedAt  *time.Time
}

// Store is the sole owner of durable chat state. Upserts are idempotent
// on the external id and keep local primary keys stable so foreign
// references survive repeated syncs.
type Store interface {
	CreateUser(ctx context.Context, u *model.User) error
	UserByID(ctx context.Context, id uuid.UUID) (model.User, error)
	UserByEmail(ctx context.Context, email string) (model.User, error)
	UserByExternalID(ctx context.Context, externalID uuid.UUID) (model.User, error)
	UpsertExternalUser(ctx context.Context, rec ExternalUserRecord) (model.User, bool, error)
	BindExternalIdentity(ctx context.Context, userID, externalID uuid.UUID, fullName string) error
	TouchLastLogin(ctx context.Context, userID uuid.UUID) error

	ChatByID(ctx context.Context, id uuid.UUID) (model.Chat, error)
	ChatByBoundFile(ctx context.Context, fileID uuid.UUID) (model.Chat, error)
	CreateChat(ctx context.Context, chat *model.Chat, participants []model.ChatParticipant, seed *model.Message) error
	ChatIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
	ParticipantIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error)
	UpdateChatPreview(ctx context.Context, chatID uuid.UUID, preview string, at time.Time) error

	AppendMessage(ctx context.Context, m *model.Message) error
	MarkRead(ctx context.Context, chatID, userID uuid.UUID, messageID *uuid.UUID, at time.Time) error
	UnreadCount(ctx context.Context, chatID, userID uuid.UUID) (int, error)

	UpsertTrackedFile(ctx context.Context, rec ExternalFileRecord) (model.TrackedFile, bool, error)
	TrackedFileByExternalID(ctx context.Context, externalID uuid.UUID) (model.TrackedFile, error)
	UnprovisionedFiles(ctx context.Context) ([]model.TrackedFile, error)
	StaleFiles(ctx context.Context, olderThan time.Time) ([]model.TrackedFile, error)
	MarkChatCreated(ctx context.Context, fileID uuid.UUID) error
}
