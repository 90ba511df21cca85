package link

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/docuchat/docuchat/internal/dms"
	"github.com/docuchat/docuchat/internal/model"
	"github.com/docuchat/docuchat/internal/store"
	syncengine "github.com/docuchat/docuchat/internal/sync"
)

type fakeDirectory struct {
	users  []dms.Item
	files  []dms.Item
	listID uuid.UUID
}

func (d *fakeDirectory) ListUsers(ctx context.Context) ([]dms.Item, error) {
	return append([]dms.Item(nil), d.users...), nil
}

func (d *fakeDirectory) ListFiles(ctx context.Context, listID uuid.UUID, recursive bool) ([]dms.Item, error) {
	return append([]dms.Item(nil), d.files...), nil
}

func (d *fakeDirectory) GetItem(ctx context.Context, id uuid.UUID) (dms.Item, error) {
	for _, it := range d.files {
		if it.ID == id {
			return it, nil
		}
	}
	return dms.Item{}, &dms.APIError{StatusCode: 404, Message: "not found"}
}

func (d *fakeDirectory) GetFileVersions(ctx context.Context, id uuid.UUID) ([]dms.FileVersion, error) {
	return nil, nil
}

func (d *fakeDirectory) FileListIDs() []uuid.UUID { return []uuid.UUID{d.listID} }

func (d *fakeDirectory) HealthCheck(ctx context.Context) error { return nil }

func newLocalUser(t *testing.T, st store.Store, email string) model.User {
	t.Helper()
	u := model.User{Email: email, Username: email, IsActive: true}
	if err := st.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestLinkMatchesEmailCaseInsensitiveAndTrimmed(t *testing.T) {
	st := store.NewMemory()
	dir := &fakeDirectory{listID: uuid.New()}
	linker := NewLinker(st, dir, nil, nil)
	ctx := context.Background()

	extID := uuid.New()
	dir.users = []dms.Item{{ID: extID, Fields: dms.ItemFields{Email: "A@B.com", Login: "ab"}}}

	user := newLocalUser(t, st, "someone@local.com")
	result, err := linker.LinkAndSync(ctx, user.ID, " a@b.com ")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !result.Linked || result.ExternalID != extID {
		t.Fatalf("expected link to %s, got %+v", extID, result)
	}
	reloaded, err := st.UserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ExternalID == nil || *reloaded.ExternalID != extID {
		t.Fatalf("external identity not bound: %v", reloaded.ExternalID)
	}
}

func TestLinkNoMatchIsNotAnError(t *testing.T) {
	st := store.NewMemory()
	linker := NewLinker(st, &fakeDirectory{listID: uuid.New()}, nil, nil)

	user := newLocalUser(t, st, "nobody@local.com")
	result, err := linker.LinkAndSync(context.Background(), user.ID, user.Email)
	if err != nil {
		t.Fatalf("expected nil error for no match, got %v", err)
	}
	if result.Linked {
		t.Fatal("expected no link")
	}
}

func TestLinkSyncsOnlyCollaboratedFiles(t *testing.T) {
	st := store.NewMemory()
	dir := &fakeDirectory{listID: uuid.New()}
	engine, err := syncengine.NewEngine(syncengine.EngineOptions{Store: st, Directory: dir})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	linker := NewLinker(st, dir, engine, nil)
	ctx := context.Background()

	extID := uuid.New()
	other := uuid.New()
	dir.users = []dms.Item{{ID: extID, Fields: dms.ItemFields{Email: "me@corp.com", Login: "me"}}}
	mine := dms.Item{ID: uuid.New(), AuthorID: &extID, Fields: dms.ItemFields{Name: "mine.pdf", FileSize: 10}}
	theirs := dms.Item{ID: uuid.New(), AuthorID: &other, Fields: dms.ItemFields{Name: "theirs.pdf", FileSize: 10}}
	dir.files = []dms.Item{mine, theirs}

	user := newLocalUser(t, st, "me@corp.com")
	result, err := linker.LinkAndSync(ctx, user.ID, user.Email)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if result.FilesSynced != 1 || result.ChatsCreated != 1 {
		t.Fatalf("expected 1 file and 1 chat, got %+v", result)
	}
	if _, err := st.TrackedFileByExternalID(ctx, theirs.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("uninvolved file was mirrored: %v", err)
	}
}

// A collaborator registering after the chat already exists must not get
// a second chat, and is not retroactively added to the existing one.
func TestLateRegistrationDoesNotDuplicateOrBackfill(t *testing.T) {
	st := store.NewMemory()
	dir := &fakeDirectory{listID: uuid.New()}
	engine, err := syncengine.NewEngine(syncengine.EngineOptions{Store: st, Directory: dir})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	linker := NewLinker(st, dir, engine, nil)
	ctx := context.Background()

	authorExt := uuid.New()
	editorExt := uuid.New()
	dir.users = []dms.Item{
		{ID: authorExt, Fields: dms.ItemFields{Email: "u1@corp.com", Login: "u1"}},
		{ID: editorExt, Fields: dms.ItemFields{Email: "u2@corp.com", Login: "u2"}},
	}
	file := dms.Item{ID: uuid.New(), AuthorID: &authorExt, Fields: dms.ItemFields{Name: "f.pdf", FileSize: 10, Editors: []uuid.UUID{editorExt}}}
	dir.files = []dms.Item{file}

	// First pass: only the author exists locally.
	if _, _, err := st.UpsertExternalUser(ctx, store.ExternalUserRecord{ExternalID: authorExt, Email: "u1@corp.com", Username: "u1"}); err != nil {
		t.Fatalf("seed author: %v", err)
	}
	if _, err := engine.SyncFiles(ctx); err != nil {
		t.Fatalf("file sync: %v", err)
	}
	tracked, err := st.TrackedFileByExternalID(ctx, file.ID)
	if err != nil {
		t.Fatalf("tracked: %v", err)
	}
	chat, err := st.ChatByBoundFile(ctx, tracked.ID)
	if err != nil {
		t.Fatalf("bound chat: %v", err)
	}
	before, err := st.ParticipantIDs(ctx, chat.ID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(before) != 1 {
		t.Fatalf("expected author only, got %d participants", len(before))
	}

	// The editor registers later and links by email.
	u2 := newLocalUser(t, st, "u2@corp.com")
	result, err := linker.LinkAndSync(ctx, u2.ID, u2.Email)
	if err != nil {
		t.Fatalf("late link: %v", err)
	}
	if !result.Linked {
		t.Fatal("expected link")
	}
	if result.ChatsCreated != 0 {
		t.Fatalf("duplicate chat created: %+v", result)
	}
	after, err := st.ParticipantIDs(ctx, chat.ID)
	if err != nil {
		t.Fatalf("participants after: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("participants changed retroactively: %d -> %d", len(before), len(after))
	}
}
