// Package link binds local accounts to their external document-system
// identity by email, then pulls the documents that identity
// collaborates on.
package link

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/docuchat/docuchat/internal/dms"
	"github.com/docuchat/docuchat/internal/model"
	"github.com/docuchat/docuchat/internal/store"
)

// Directory is the slice of the external client the linker needs.
type Directory interface {
	ListUsers(ctx context.Context) ([]dms.Item, error)
	ListFiles(ctx context.Context, listID uuid.UUID, recursive bool) ([]dms.Item, error)
	FileListIDs() []uuid.UUID
}

// Provisioner creates the chat bound to a tracked file when needed.
// *sync.Engine satisfies it.
type Provisioner interface {
	ProvisionChat(ctx context.Context, file model.TrackedFile) (bool, error)
}

// Result reports what a link attempt accomplished. Linked false with a
// nil error means no external identity matched the email; that is a
// normal outcome, not a failure.
type Result struct {
	Linked       bool      `json:"linked"`
	ExternalID   uuid.UUID `json:"external_id,omitempty"`
	FilesSynced  int       `json:"files_synced"`
	ChatsCreated int       `json:"chats_created"`
}

type Linker struct {
	store       store.Store
	directory   Directory
	provisioner Provisioner
	logger      *slog.Logger
}

func NewLinker(st store.Store, directory Directory, provisioner Provisioner, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{store: st, directory: directory, provisioner: provisioner, logger: logger}
}

// LinkAndSync matches the user's email against the external directory,
// binds the external identity on a match, and syncs the documents that
// identity authors or collaborates on.
func (l *Linker) LinkAndSync(ctx context.Context, userID uuid.UUID, email string) (Result, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return Result{}, store.ErrInvalidInput
	}

	items, err := l.directory.ListUsers(ctx)
	if err != nil {
		return Result{}, err
	}
	var match *dms.Item
	for i := range items {
		if strings.ToLower(strings.TrimSpace(items[i].Fields.Email)) == normalized {
			match = &items[i]
			break
		}
	}
	if match == nil {
		l.logger.Info("identity_link_no_match", "user_id", userID)
		return Result{Linked: false}, nil
	}

	if err := l.store.BindExternalIdentity(ctx, userID, match.ID, strings.TrimSpace(match.Fields.FullName)); err != nil {
		return Result{}, err
	}
	result := Result{Linked: true, ExternalID: match.ID}
	l.logger.Info("identity_linked", "user_id", userID, "external_id", match.ID)

	// Scoped file pull: only documents this identity touches, so a
	// login does not trigger a full reconciliation.
	for _, listID := range l.directory.FileListIDs() {
		files, err := l.directory.ListFiles(ctx, listID, true)
		if err != nil {
			// The identity is already bound; file sync is best effort
			// and the next scheduled run will catch up.
			l.logger.Warn("identity_link_file_sync_failed", "user_id", userID, "error", err)
			return result, nil
		}
		for _, item := range files {
			if !item.IsFile() || !collaborates(item, match.ID) {
				continue
			}
			tracked, _, err := l.store.UpsertTrackedFile(ctx, fileRecord(item))
			if err != nil {
				l.logger.Warn("identity_link_file_upsert_failed", "external_id", item.ID, "error", err)
				continue
			}
			result.FilesSynced++
			if l.provisioner == nil {
				continue
			}
			created, err := l.provisioner.ProvisionChat(ctx, tracked)
			if err != nil && !errors.Is(err, store.ErrConflict) {
				l.logger.Warn("identity_link_provision_failed", "external_id", item.ID, "error", err)
				continue
			}
			if created {
				result.ChatsCreated++
			}
		}
	}
	return result, nil
}

func collaborates(item dms.Item, externalID uuid.UUID) bool {
	if item.AuthorID != nil && *item.AuthorID == externalID {
		return true
	}
	for _, id := range item.Fields.Editors {
		if id == externalID {
			return true
		}
	}
	for _, id := range item.Fields.Approvers {
		if id == externalID {
			return true
		}
	}
	return false
}

func fileRecord(item dms.Item) store.ExternalFileRecord {
	record := store.ExternalFileRecord{
		ExternalID:  item.ID,
		Name:        item.DisplayName(),
		Path:        item.Path,
		Size:        item.Fields.FileSize,
		FileType:    item.Fields.FileType,
		Version:     item.Fields.Version,
		Status:      item.Fields.Status,
		ExtAuthorID: item.AuthorID,
		EditorIDs:   append([]uuid.UUID(nil), item.Fields.Editors...),
		ApproverIDs: append([]uuid.UUID(nil), item.Fields.Approvers...),
	}
	if item.Fields.Modified != nil {
		record.ModifiedAt = item.Fields.Modified
	} else {
		record.ModifiedAt = item.Modified
	}
	return record
}
