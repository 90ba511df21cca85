package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/docuchat/docuchat/internal/model"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres persists all entities behind the Store interface. The
// connection is opened lazily on first use.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (s *Postgres) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Postgres) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			s.initErr = err
			_ = db.Close()
			return
		}
		if err := createSchema(ctx, db); err != nil {
			s.initErr = err
			_ = db.Close()
			return
		}
		s.db = db
	})
	return s.initErr
}

func createSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			external_id UUID UNIQUE,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			is_external BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_sync_at TIMESTAMPTZ,
			last_login_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_by UUID NOT NULL REFERENCES users(id),
			bound_file_id UUID UNIQUE,
			last_message TEXT NOT NULL DEFAULT '',
			last_message_at TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_participants (
			chat_id UUID NOT NULL REFERENCES chats(id),
			user_id UUID NOT NULL REFERENCES users(id),
			role TEXT NOT NULL,
			origin TEXT NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_read_at TIMESTAMPTZ,
			muted BOOLEAN NOT NULL DEFAULT FALSE,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			chat_id UUID NOT NULL REFERENCES chats(id),
			author_id UUID REFERENCES users(id),
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			reply_to_id UUID,
			attachments TEXT[] NOT NULL DEFAULT '{}',
			edited_at TIMESTAMPTZ,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			read_by UUID[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_order ON messages (chat_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS tracked_files (
			id UUID PRIMARY KEY,
			external_id UUID NOT NULL UNIQUE,
			name TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			file_type TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			author_id UUID REFERENCES users(id),
			ext_author_id UUID,
			editor_ids UUID[] NOT NULL DEFAULT '{}',
			approver_ids UUID[] NOT NULL DEFAULT '{}',
			modified_at TIMESTAMPTZ,
			chat_created BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_sync_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *Postgres) CreateUser(ctx context.Context, u *model.User) error {
	if u == nil || u.Email == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, email, password_hash, username, full_name, is_external, is_active, last_sync_at, last_login_at, created_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, uuidPtr(u.ExternalID), u.Email, u.PasswordHash, u.Username, u.FullName, u.IsExternal, u.IsActive, u.LastSyncAt, u.LastLoginAt, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const userColumns = `id, external_id, email, password_hash, username, full_name, is_external, is_active, last_sync_at, last_login_at, created_at`

func (s *Postgres) scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	var ext uuid.NullUUID
	err := row.Scan(&u.ID, &ext, &u.Email, &u.PasswordHash, &u.Username, &u.FullName, &u.IsExternal, &u.IsActive, &u.LastSyncAt, &u.LastLoginAt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	if ext.Valid {
		v := ext.UUID
		u.ExternalID = &v
	}
	return u, nil
}

func (s *Postgres) UserByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	if err := s.ensureReady(); err != nil {
		return model.User{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Postgres) UserByEmail(ctx context.Context, email string) (model.User, error) {
	if err := s.ensureReady(); err != nil {
		return model.User{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = LOWER($1)`, strings.TrimSpace(email)))
}

func (s *Postgres) UserByExternalID(ctx context.Context, externalID uuid.UUID) (model.User, error) {
	if err := s.ensureReady(); err != nil {
		return model.User{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
}

func (s *Postgres) UpsertExternalUser(ctx context.Context, rec ExternalUserRecord) (model.User, bool, error) {
	if rec.ExternalID == uuid.Nil {
		return model.User{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return model.User{}, false, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, external_id, email, username, full_name, is_external, is_active, last_sync_at, created_at)
		VALUES ($1, $2, LOWER($3), $4, $5, TRUE, TRUE, NOW(), NOW())
		ON CONFLICT (external_id)
		DO UPDATE SET email = EXCLUDED.email, username = EXCLUDED.username,
			full_name = EXCLUDED.full_name, is_external = TRUE, last_sync_at = NOW()
		RETURNING `+userColumns+`, (xmax = 0) AS inserted`,
		uuid.New(), rec.ExternalID, rec.Email, rec.Username, rec.FullName)
	var u model.User
	var ext uuid.NullUUID
	var inserted bool
	err := row.Scan(&u.ID, &ext, &u.Email, &u.PasswordHash, &u.Username, &u.FullName, &u.IsExternal, &u.IsActive, &u.LastSyncAt, &u.LastLoginAt, &u.CreatedAt, &inserted)
	if err != nil {
		return model.User{}, false, err
	}
	if ext.Valid {
		v := ext.UUID
		u.ExternalID = &v
	}
	return u, inserted, nil
}

func (s *Postgres) BindExternalIdentity(ctx context.Context, userID, externalID uuid.UUID, fullName string) error {
	if externalID == uuid.Nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET external_id = $2, is_external = TRUE, last_sync_at = NOW(),
			full_name = CASE WHEN full_name = '' THEN $3 ELSE full_name END
		WHERE id = $1`, userID, externalID, fullName)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Postgres) TouchLastLogin(ctx context.Context, userID uuid.UUID) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = NOW() WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const chatColumns = `id, name, kind, created_by, bound_file_id, last_message, last_message_at, is_active, created_at`

func scanChat(row *sql.Row) (model.Chat, error) {
	var c model.Chat
	var bound uuid.NullUUID
	err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.CreatedBy, &bound, &c.LastMessage, &c.LastMessageAt, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Chat{}, ErrNotFound
	}
	if err != nil {
		return model.Chat{}, err
	}
	if bound.Valid {
		v := bound.UUID
		c.BoundFileID = &v
	}
	return c, nil
}

func (s *Postgres) ChatByID(ctx context.Context, id uuid.UUID) (model.Chat, error) {
	if err := s.ensureReady(); err != nil {
		return model.Chat{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id))
}

func (s *Postgres) ChatByBoundFile(ctx context.Context, fileID uuid.UUID) (model.Chat, error) {
	if err := s.ensureReady(); err != nil {
		return model.Chat{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE bound_file_id = $1`, fileID))
}

func (s *Postgres) CreateChat(ctx context.Context, chat *model.Chat, participants []model.ChatParticipant, seed *model.Message) error {
	if chat == nil || chat.CreatedBy == uuid.Nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if chat.ID == uuid.Nil {
		chat.ID = uuid.New()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now().UTC()
	}
	chat.IsActive = true
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, name, kind, created_by, bound_file_id, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)`,
		chat.ID, chat.Name, chat.Kind, chat.CreatedBy, uuidPtr(chat.BoundFileID), chat.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	for _, p := range participants {
		joined := p.JoinedAt
		if joined.IsZero() {
			joined = chat.CreatedAt
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_participants (chat_id, user_id, role, origin, joined_at, muted, pinned)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (chat_id, user_id) DO NOTHING`,
			chat.ID, p.UserID, p.Role, p.Origin, joined, p.Muted, p.Pinned)
		if err != nil {
			return err
		}
	}
	if seed != nil {
		seed.ChatID = chat.ID
		if seed.ID == uuid.Nil {
			seed.ID = uuid.New()
		}
		if seed.CreatedAt.IsZero() {
			seed.CreatedAt = chat.CreatedAt
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, chat_id, author_id, content, type, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			seed.ID, seed.ChatID, uuidPtr(seed.AuthorID), seed.Content, seed.Type, seed.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Postgres) ChatIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id FROM chat_participants WHERE user_id = $1 ORDER BY chat_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Postgres) IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID).Scan(&exists)
	return exists, err
}

func (s *Postgres) ParticipantIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1 ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateChatPreview(ctx context.Context, chatID uuid.UUID, preview string, at time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET last_message = $2, last_message_at = $3 WHERE id = $1`,
		chatID, truncatePreview(preview), at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Postgres) AppendMessage(ctx context.Context, m *model.Message) error {
	if m == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, author_id, content, type, reply_to_id, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ChatID, uuidPtr(m.AuthorID), m.Content, m.Type, uuidPtr(m.ReplyToID), pq.Array(m.Attachments), m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Postgres) MarkRead(ctx context.Context, chatID, userID uuid.UUID, messageID *uuid.UUID, at time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_participants SET last_read_at = $3 WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID, at)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if messageID == nil {
		return nil
	}
	// The chat constraint keeps a participant of one chat from marking
	// messages of another; membership was only checked for chatID.
	res, err = s.db.ExecContext(ctx, `
		UPDATE messages SET read_by = array_append(read_by, $2)
		WHERE id = $1 AND chat_id = $3 AND NOT ($2 = ANY(read_by))`, *messageID, userID, chatID)
	if err != nil {
		return err
	}
	// Zero rows means either the message is missing or the reader is
	// already recorded; only the former is an error.
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND chat_id = $2)`, *messageID, chatID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *Postgres) UnreadCount(ctx context.Context, chatID, userID uuid.UUID) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		JOIN chat_participants p ON p.chat_id = m.chat_id AND p.user_id = $2
		WHERE m.chat_id = $1
		  AND (m.author_id IS NULL OR m.author_id <> $2)
		  AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)`,
		chatID, userID).Scan(&count)
	return count, err
}

const fileColumns = `id, external_id, name, path, size, file_type, version, status, author_id, ext_author_id, editor_ids, approver_ids, modified_at, chat_created, is_active, last_sync_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrackedFile(row rowScanner) (model.TrackedFile, error) {
	var f model.TrackedFile
	var author, extAuthor uuid.NullUUID
	var editors, approvers []string
	err := row.Scan(&f.ID, &f.ExternalID, &f.Name, &f.Path, &f.Size, &f.FileType, &f.Version, &f.Status,
		&author, &extAuthor, pq.Array(&editors), pq.Array(&approvers), &f.ModifiedAt, &f.ChatCreated, &f.IsActive, &f.LastSyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TrackedFile{}, ErrNotFound
	}
	if err != nil {
		return model.TrackedFile{}, err
	}
	if author.Valid {
		v := author.UUID
		f.AuthorID = &v
	}
	if extAuthor.Valid {
		v := extAuthor.UUID
		f.ExtAuthorID = &v
	}
	f.EditorIDs, err = parseUUIDs(editors)
	if err != nil {
		return model.TrackedFile{}, err
	}
	f.ApproverIDs, err = parseUUIDs(approvers)
	if err != nil {
		return model.TrackedFile{}, err
	}
	return f, nil
}

func (s *Postgres) UpsertTrackedFile(ctx context.Context, rec ExternalFileRecord) (model.TrackedFile, bool, error) {
	if rec.ExternalID == uuid.Nil {
		return model.TrackedFile{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return model.TrackedFile{}, false, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tracked_files (id, external_id, name, path, size, file_type, version, status,
			author_id, ext_author_id, editor_ids, approver_ids, modified_at, is_active, last_sync_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, TRUE, NOW())
		ON CONFLICT (external_id)
		DO UPDATE SET name = EXCLUDED.name, path = EXCLUDED.path, size = EXCLUDED.size,
			file_type = EXCLUDED.file_type, version = EXCLUDED.version, status = EXCLUDED.status,
			author_id = COALESCE(EXCLUDED.author_id, tracked_files.author_id),
			ext_author_id = EXCLUDED.ext_author_id,
			editor_ids = EXCLUDED.editor_ids, approver_ids = EXCLUDED.approver_ids,
			modified_at = EXCLUDED.modified_at, last_sync_at = NOW()
		RETURNING `+fileColumns+`, (xmax = 0) AS inserted`,
		uuid.New(), rec.ExternalID, rec.Name, rec.Path, rec.Size, rec.FileType, rec.Version, rec.Status,
		uuidPtr(rec.AuthorID), uuidPtr(rec.ExtAuthorID), pq.Array(uuidStrings(rec.EditorIDs)), pq.Array(uuidStrings(rec.ApproverIDs)), rec.ModifiedAt)

	var f model.TrackedFile
	var author, extAuthor uuid.NullUUID
	var editors, approvers []string
	var inserted bool
	err := row.Scan(&f.ID, &f.ExternalID, &f.Name, &f.Path, &f.Size, &f.FileType, &f.Version, &f.Status,
		&author, &extAuthor, pq.Array(&editors), pq.Array(&approvers), &f.ModifiedAt, &f.ChatCreated, &f.IsActive, &f.LastSyncAt, &inserted)
	if err != nil {
		return model.TrackedFile{}, false, err
	}
	if author.Valid {
		v := author.UUID
		f.AuthorID = &v
	}
	if extAuthor.Valid {
		v := extAuthor.UUID
		f.ExtAuthorID = &v
	}
	if f.EditorIDs, err = parseUUIDs(editors); err != nil {
		return model.TrackedFile{}, false, err
	}
	if f.ApproverIDs, err = parseUUIDs(approvers); err != nil {
		return model.TrackedFile{}, false, err
	}
	return f, inserted, nil
}

func (s *Postgres) TrackedFileByExternalID(ctx context.Context, externalID uuid.UUID) (model.TrackedFile, error) {
	if err := s.ensureReady(); err != nil {
		return model.TrackedFile{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return scanTrackedFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM tracked_files WHERE external_id = $1`, externalID))
}

func (s *Postgres) UnprovisionedFiles(ctx context.Context) ([]model.TrackedFile, error) {
	return s.listFiles(ctx, `SELECT `+fileColumns+` FROM tracked_files WHERE is_active AND NOT chat_created ORDER BY id`)
}

func (s *Postgres) StaleFiles(ctx context.Context, olderThan time.Time) ([]model.TrackedFile, error) {
	return s.listFiles(ctx,
		`SELECT `+fileColumns+` FROM tracked_files WHERE is_active AND (last_sync_at IS NULL OR last_sync_at < $1) ORDER BY id`,
		olderThan)
}

func (s *Postgres) listFiles(ctx context.Context, query string, args ...any) ([]model.TrackedFile, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.TrackedFile{}
	for rows.Next() {
		f, err := scanTrackedFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkChatCreated(ctx context.Context, fileID uuid.UUID) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE tracked_files SET chat_created = TRUE WHERE id = $1`, fileID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func uuidPtr(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, value := range raw {
		id, err := uuid.Parse(value)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
