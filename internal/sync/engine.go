// Package sync reconciles the local chat database against the external
// document-management system: it mirrors users and files, and
// provisions one chat per file from the file's collaborator set.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/docuchat/docuchat/internal/dms"
	"github.com/docuchat/docuchat/internal/model"
	"github.com/docuchat/docuchat/internal/store"
)

// ErrSyncRunning is returned when a sync is requested while another run
// is in flight. The request is dropped, not queued.
var ErrSyncRunning = errors.New("sync already running")

// ExternalDirectory is the slice of the external client the engine
// needs. *dms.Client satisfies it.
type ExternalDirectory interface {
	ListUsers(ctx context.Context) ([]dms.Item, error)
	ListFiles(ctx context.Context, listID uuid.UUID, recursive bool) ([]dms.Item, error)
	GetItem(ctx context.Context, id uuid.UUID) (dms.Item, error)
	GetFileVersions(ctx context.Context, id uuid.UUID) ([]dms.FileVersion, error)
	FileListIDs() []uuid.UUID
	HealthCheck(ctx context.Context) error
}

// Notifier receives chat provisioning events for real-time fan-out.
type Notifier interface {
	NotifyChatCreated(chat model.Chat, participantIDs []uuid.UUID)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(chat model.Chat, participantIDs []uuid.UUID)

func (f NotifierFunc) NotifyChatCreated(chat model.Chat, participantIDs []uuid.UUID) {
	f(chat, participantIDs)
}

// Stats is a cumulative snapshot of reconciliation activity.
type Stats struct {
	TotalRuns      int64      `json:"total_runs"`
	SuccessfulRuns int64      `json:"successful_runs"`
	FailedRuns     int64      `json:"failed_runs"`
	SkippedRuns    int64      `json:"skipped_runs"`
	UsersSynced    int64      `json:"users_synced"`
	FilesSynced    int64      `json:"files_synced"`
	ChatsCreated   int64      `json:"chats_created"`
	ItemFailures   int64      `json:"item_failures"`
	LastError      string     `json:"last_error,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastDuration   string     `json:"last_duration,omitempty"`
}

// SuccessRate reports the fraction of completed runs that succeeded.
func (s Stats) SuccessRate() float64 {
	if s.TotalRuns == 0 {
		return 0
	}
	return float64(s.SuccessfulRuns) / float64(s.TotalRuns)
}

// Report summarizes a single reconciliation run.
type Report struct {
	UsersSeen    int        `json:"users_seen"`
	UsersSynced  int        `json:"users_synced"`
	FilesSeen    int        `json:"files_seen"`
	FilesSynced  int        `json:"files_synced"`
	ChatsCreated int        `json:"chats_created"`
	ItemFailures int        `json:"item_failures"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
	Errors       []string   `json:"errors,omitempty"`
}

type EngineOptions struct {
	Store     store.Store
	Directory ExternalDirectory
	Notifier  Notifier
	Logger    *slog.Logger
	Metrics   MetricsHook
	Now       func() time.Time
}

// MetricsHook lets the engine report counters without depending on a
// concrete metrics registry.
type MetricsHook interface {
	SyncRunCompleted(success bool, duration time.Duration)
	ChatProvisioned()
}

type Engine struct {
	store     store.Store
	directory ExternalDirectory
	notifier  Notifier
	logger    *slog.Logger
	metrics   MetricsHook
	now       func() time.Time

	running atomic.Bool

	statsMu sync.Mutex
	stats   Stats
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("sync engine requires a store")
	}
	if opts.Directory == nil {
		return nil, errors.New("sync engine requires an external directory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     opts.Store,
		directory: opts.Directory,
		notifier:  opts.Notifier,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       now,
	}, nil
}

// Running reports whether a reconciliation run is currently in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Stats returns a snapshot of cumulative reconciliation counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// FullSync reconciles users first, then files. Only one run may be in
// flight; concurrent triggers return ErrSyncRunning and are counted as
// skipped.
func (e *Engine) FullSync(ctx context.Context) (Report, error) {
	return e.run(ctx, func(ctx context.Context, report *Report) error {
		if err := e.syncUsers(ctx, report); err != nil {
			return err
		}
		return e.syncFiles(ctx, report)
	})
}

// SyncUsers reconciles the user directory only.
func (e *Engine) SyncUsers(ctx context.Context) (Report, error) {
	return e.run(ctx, e.syncUsers)
}

// SyncFiles reconciles tracked files and provisions chats. Users must
// have been synced at least once for collaborator mapping to resolve.
func (e *Engine) SyncFiles(ctx context.Context) (Report, error) {
	return e.run(ctx, e.syncFiles)
}

// IncrementalSync re-fetches only files whose mirror is older than the
// staleness threshold, then runs the provisioning pass over all
// unbound files.
func (e *Engine) IncrementalSync(ctx context.Context, staleness time.Duration) (Report, error) {
	return e.run(ctx, func(ctx context.Context, report *Report) error {
		return e.syncStaleFiles(ctx, staleness, report)
	})
}

func (e *Engine) run(ctx context.Context, pass func(context.Context, *Report) error) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.statsMu.Lock()
		e.stats.SkippedRuns++
		e.statsMu.Unlock()
		return Report{}, ErrSyncRunning
	}
	defer e.running.Store(false)

	report := Report{StartedAt: e.now()}
	runErr := pass(ctx, &report)
	report.FinishedAt = e.now()
	duration := report.FinishedAt.Sub(report.StartedAt)

	e.statsMu.Lock()
	e.stats.TotalRuns++
	e.stats.UsersSynced += int64(report.UsersSynced)
	e.stats.FilesSynced += int64(report.FilesSynced)
	e.stats.ChatsCreated += int64(report.ChatsCreated)
	e.stats.ItemFailures += int64(report.ItemFailures)
	e.stats.LastDuration = duration.String()
	if runErr != nil {
		e.stats.FailedRuns++
		e.stats.LastError = runErr.Error()
	} else {
		e.stats.SuccessfulRuns++
		e.stats.LastError = ""
		// LastSyncAt tracks successful runs only; a failing scheduler
		// must not read as freshly synced.
		finished := report.FinishedAt
		e.stats.LastSyncAt = &finished
	}
	e.statsMu.Unlock()

	if e.metrics != nil {
		e.metrics.SyncRunCompleted(runErr == nil, duration)
	}
	if runErr != nil {
		e.logger.Error("sync_run_failed", "error", runErr, "duration", duration.String())
		return report, runErr
	}
	e.logger.Info("sync_run_completed",
		"users_synced", report.UsersSynced,
		"files_synced", report.FilesSynced,
		"chats_created", report.ChatsCreated,
		"item_failures", report.ItemFailures,
		"duration", duration.String())
	return report, nil
}

func (e *Engine) syncUsers(ctx context.Context, report *Report) error {
	items, err := e.directory.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list external users: %w", err)
	}
	report.UsersSeen = len(items)
	for _, item := range items {
		record, ok := userRecord(item)
		if !ok {
			continue
		}
		if _, _, err := e.store.UpsertExternalUser(ctx, record); err != nil {
			report.ItemFailures++
			report.Errors = appendBounded(report.Errors, fmt.Sprintf("user %s: %v", item.ID, err))
			e.logger.Warn("sync_user_failed", "external_id", item.ID, "error", err)
			continue
		}
		report.UsersSynced++
	}
	return nil
}

func (e *Engine) syncFiles(ctx context.Context, report *Report) error {
	var items []dms.Item
	for _, listID := range e.directory.FileListIDs() {
		listItems, err := e.directory.ListFiles(ctx, listID, true)
		if err != nil {
			return fmt.Errorf("list external files %s: %w", listID, err)
		}
		items = append(items, listItems...)
	}
	for _, item := range items {
		if !item.IsFile() {
			continue
		}
		report.FilesSeen++
		record := fileRecord(item)
		tracked, _, err := e.store.UpsertTrackedFile(ctx, record)
		if err != nil {
			report.ItemFailures++
			report.Errors = appendBounded(report.Errors, fmt.Sprintf("file %s: %v", item.ID, err))
			e.logger.Warn("sync_file_failed", "external_id", item.ID, "error", err)
			continue
		}
		report.FilesSynced++
		created, err := e.ProvisionChat(ctx, tracked)
		if err != nil {
			report.ItemFailures++
			report.Errors = appendBounded(report.Errors, fmt.Sprintf("provision %s: %v", item.ID, err))
			e.logger.Warn("chat_provision_failed", "external_id", item.ID, "error", err)
			continue
		}
		if created {
			report.ChatsCreated++
		}
	}
	return nil
}

// syncStaleFiles re-fetches external metadata for files whose mirror
// has not been refreshed within the staleness window, then provisions
// any unbound files. A file that disappeared from the external system
// is left untouched; deactivation is a manual operation.
func (e *Engine) syncStaleFiles(ctx context.Context, staleness time.Duration, report *Report) error {
	stale, err := e.store.StaleFiles(ctx, e.now().Add(-staleness))
	if err != nil {
		return fmt.Errorf("list stale files: %w", err)
	}
	for _, file := range stale {
		report.FilesSeen++
		item, err := e.directory.GetItem(ctx, file.ExternalID)
		if err != nil {
			var apiErr *dms.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
				continue
			}
			if errors.Is(err, dms.ErrUnavailable) {
				return fmt.Errorf("fetch file %s: %w", file.ExternalID, err)
			}
			report.ItemFailures++
			report.Errors = appendBounded(report.Errors, fmt.Sprintf("file %s: %v", file.ExternalID, err))
			e.logger.Warn("sync_file_refresh_failed", "external_id", file.ExternalID, "error", err)
			continue
		}
		record := fileRecord(item)
		// The item endpoint omits the version label on some lists; the
		// revision history is authoritative when it does.
		if record.Version == "" {
			if versions, err := e.directory.GetFileVersions(ctx, file.ExternalID); err == nil && len(versions) > 0 {
				record.Version = latestVersionLabel(versions)
			}
		}
		if _, _, err := e.store.UpsertTrackedFile(ctx, record); err != nil {
			report.ItemFailures++
			report.Errors = appendBounded(report.Errors, fmt.Sprintf("file %s: %v", file.ExternalID, err))
			continue
		}
		report.FilesSynced++
	}
	return e.provisionUnbound(ctx, report)
}

// provisionUnbound runs the chat provisioning pass over every file not
// yet marked as provisioned.
func (e *Engine) provisionUnbound(ctx context.Context, report *Report) error {
	unbound, err := e.store.UnprovisionedFiles(ctx)
	if err != nil {
		return fmt.Errorf("list unprovisioned files: %w", err)
	}
	for _, file := range unbound {
		created, err := e.ProvisionChat(ctx, file)
		if err != nil {
			report.ItemFailures++
			report.Errors = appendBounded(report.Errors, fmt.Sprintf("provision %s: %v", file.ExternalID, err))
			e.logger.Warn("chat_provision_failed", "external_id", file.ExternalID, "error", err)
			continue
		}
		if created {
			report.ChatsCreated++
		}
	}
	return nil
}

// ProvisionChat ensures the chat bound to a tracked file exists. It
// returns true only when a new chat was created by this call.
//
// A file whose collaborator set maps to zero local users is marked
// provisioned without a chat; the skip is permanent until the file's
// collaborators change enough to warrant manual intervention.
func (e *Engine) ProvisionChat(ctx context.Context, file model.TrackedFile) (bool, error) {
	if file.ChatCreated {
		return false, nil
	}
	if _, err := e.store.ChatByBoundFile(ctx, file.ID); err == nil {
		return false, e.store.MarkChatCreated(ctx, file.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	participantIDs, adminID, err := e.resolveParticipants(ctx, file)
	if err != nil {
		return false, err
	}
	if len(participantIDs) == 0 {
		e.logger.Info("chat_provision_skipped_no_participants", "file", file.Name, "external_id", file.ExternalID)
		return false, e.store.MarkChatCreated(ctx, file.ID)
	}

	now := e.now()
	chat := model.Chat{
		ID:          uuid.New(),
		Kind:        model.ChatKindFile,
		Name:        file.Name,
		CreatedBy:   *adminID,
		BoundFileID: &file.ID,
		IsActive:    true,
		CreatedAt:   now,
	}
	participants := make([]model.ChatParticipant, 0, len(participantIDs))
	for _, userID := range participantIDs {
		role := model.RoleMember
		if userID == *adminID {
			role = model.RoleAdmin
		}
		participants = append(participants, model.ChatParticipant{
			ChatID:   chat.ID,
			UserID:   userID,
			Role:     role,
			Origin:   model.InvitationAuto,
			JoinedAt: now,
		})
	}
	seed := model.Message{
		ID:        uuid.New(),
		ChatID:    chat.ID,
		Type:      model.MessageSystem,
		Content:   fmt.Sprintf("Discussion for document %q", file.Name),
		CreatedAt: now,
	}
	if err := e.store.CreateChat(ctx, &chat, participants, &seed); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another run bound the file first.
			return false, e.store.MarkChatCreated(ctx, file.ID)
		}
		return false, err
	}
	if err := e.store.MarkChatCreated(ctx, file.ID); err != nil {
		return false, err
	}
	if e.metrics != nil {
		e.metrics.ChatProvisioned()
	}
	e.logger.Info("chat_provisioned", "chat_id", chat.ID, "file", file.Name, "participants", len(participants))
	if e.notifier != nil {
		e.notifier.NotifyChatCreated(chat, participantIDs)
	}
	return true, nil
}

// resolveParticipants maps the file's external collaborator ids
// (author, editors, approvers) to local users. Unknown ids are dropped,
// never invented.
func (e *Engine) resolveParticipants(ctx context.Context, file model.TrackedFile) ([]uuid.UUID, *uuid.UUID, error) {
	var ids []uuid.UUID
	var adminID *uuid.UUID
	seen := make(map[uuid.UUID]struct{})
	externalIDs := make([]uuid.UUID, 0, 1)
	if file.ExtAuthorID != nil {
		externalIDs = append(externalIDs, *file.ExtAuthorID)
	}
	externalIDs = append(externalIDs, file.CollaboratorExternalIDs()...)
	for _, externalID := range externalIDs {
		user, err := e.store.UserByExternalID(ctx, externalID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !user.IsActive {
			continue
		}
		if _, dup := seen[user.ID]; dup {
			continue
		}
		seen[user.ID] = struct{}{}
		ids = append(ids, user.ID)
		if adminID == nil && file.ExtAuthorID != nil && user.ExternalID != nil && *user.ExternalID == *file.ExtAuthorID {
			id := user.ID
			adminID = &id
		}
	}
	// The file author is admin when mapped; otherwise the first mapped
	// collaborator takes the role so the chat is never ownerless.
	if adminID == nil && len(ids) > 0 {
		id := ids[0]
		adminID = &id
	}
	return ids, adminID, nil
}

// HealthCheck verifies the engine's dependencies end to end.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.directory.HealthCheck(ctx)
}

func userRecord(item dms.Item) (store.ExternalUserRecord, bool) {
	email := strings.ToLower(strings.TrimSpace(item.Fields.Email))
	username := strings.TrimSpace(item.Fields.Login)
	if username == "" {
		username = strings.TrimSpace(item.Fields.Name)
	}
	if email == "" && username == "" {
		return store.ExternalUserRecord{}, false
	}
	if email == "" {
		email = strings.ToLower(username) + "@external.invalid"
	}
	fullName := strings.TrimSpace(item.Fields.FullName)
	if fullName == "" {
		fullName = item.DisplayName()
	}
	return store.ExternalUserRecord{
		ExternalID: item.ID,
		Email:      email,
		Username:   username,
		FullName:   fullName,
	}, true
}

func fileRecord(item dms.Item) store.ExternalFileRecord {
	modified := item.Fields.Modified
	if modified == nil {
		modified = item.Modified
	}
	return store.ExternalFileRecord{
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
		ModifiedAt:  modified,
	}
}

func latestVersionLabel(versions []dms.FileVersion) string {
	latest := versions[0]
	for _, v := range versions[1:] {
		if latest.Created == nil || (v.Created != nil && v.Created.After(*latest.Created)) {
			latest = v
		}
	}
	return latest.Version
}

func appendBounded(errs []string, msg string) []string {
	const maxKept = 20
	if len(errs) >= maxKept {
		return errs
	}
	return append(errs, msg)
}
