// Package store is the SQLite message and profile store. Every write is
// published to a change feed so that subscribed channels see it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"eventchat/internal/domain"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed width so that TEXT comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const messageColumns = `
	m.id, m.conversation_id, m.user_id, m.content, m.reply_to_id, m.edited_at, m.created_at,
	COALESCE(p.display_name, ''), COALESCE(p.avatar_url, ''),
	r.id, COALESCE(r.content, ''), COALESCE(r.user_id, '')
	FROM messages m
	LEFT JOIN profiles p ON p.id = m.user_id
	LEFT JOIN messages r ON r.id = m.reply_to_id`

// SQLiteStore implements domain.MessageStore.
type SQLiteStore struct {
	db     *sql.DB
	feed   domain.ChangeFeed
	now    func() time.Time
	logger *slog.Logger
}

// Open opens or creates the database at dbPath and applies migrations. feed
// may be nil when no change feed is attached.
func Open(dbPath string, feed domain.ChangeFeed, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, feed: feed, now: time.Now, logger: logger}, nil
}

// SetChangeFeed attaches the feed that receives every write.
func (s *SQLiteStore) SetChangeFeed(feed domain.ChangeFeed) { s.feed = feed }

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, in domain.NewMessage) (domain.Message, error) {
	row := domain.MessageRow{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		UserID:         in.SenderID,
		Content:        in.Content,
		CreatedAt:      s.now().UTC(),
	}
	if in.ReplyToID != "" {
		var convID string
		err := s.db.QueryRowContext(ctx, "SELECT conversation_id FROM messages WHERE id = ?", in.ReplyToID).Scan(&convID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && convID != in.ConversationID) {
			return domain.Message{}, &domain.ValidationError{Field: "reply_to_id", Reason: "unknown message " + in.ReplyToID}
		}
		if err != nil {
			return domain.Message{}, classify("look up reply target", err)
		}
		reply := in.ReplyToID
		row.ReplyToID = &reply
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, content, reply_to_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, row.ConversationID, row.UserID, row.Content, row.ReplyToID, row.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return domain.Message{}, classify("insert message", err)
	}

	msg, err := s.GetMessage(ctx, row.ID)
	if err != nil {
		return domain.Message{}, err
	}
	s.publish(ctx, domain.ChangeInsert, row.ConversationID, row, nil)
	return msg, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, id, userID, content string) (domain.Message, error) {
	edited := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = ?, edited_at = ? WHERE id = ? AND user_id = ?",
		content, edited.Format(timeLayout), id, userID,
	)
	if err != nil {
		return domain.Message{}, classify("update message", err)
	}
	if err := s.checkOwned(ctx, res, id); err != nil {
		return domain.Message{}, err
	}

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	s.publish(ctx, domain.ChangeUpdate, msg.ConversationID, rowOf(msg), nil)
	return msg, nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id, userID string) error {
	var convID string
	err := s.db.QueryRowContext(ctx, "SELECT conversation_id FROM messages WHERE id = ?", id).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return classify("look up message", err)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return classify("delete message", err)
	}
	if err := s.checkOwned(ctx, res, id); err != nil {
		return err
	}
	s.publish(ctx, domain.ChangeDelete, convID, nil, map[string]string{"id": id, "conversation_id": convID})
	return nil
}

// checkOwned turns a zero-row write into ErrNotFound or ErrPermissionDenied.
func (s *SQLiteStore) checkOwned(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return classify("look up message", err)
	}
	return domain.ErrPermissionDenied
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, opts domain.ListOptions) ([]domain.Message, error) {
	var b strings.Builder
	args := []any{conversationID}
	b.WriteString("SELECT " + messageColumns + " WHERE m.conversation_id = ?")
	if !opts.Before.IsZero() {
		ts := opts.Before.UTC().Format(timeLayout)
		if opts.BeforeID != "" {
			b.WriteString(" AND (m.created_at < ? OR (m.created_at = ? AND m.id < ?))")
			args = append(args, ts, ts, opts.BeforeID)
		} else {
			b.WriteString(" AND m.created_at < ?")
			args = append(args, ts)
		}
	}
	if !opts.After.IsZero() {
		ts := opts.After.UTC().Format(timeLayout)
		if opts.AfterID != "" {
			b.WriteString(" AND (m.created_at > ? OR (m.created_at = ? AND m.id > ?))")
			args = append(args, ts, ts, opts.AfterID)
		} else {
			b.WriteString(" AND m.created_at > ?")
			args = append(args, ts)
		}
	}
	if opts.Ascending {
		b.WriteString(" ORDER BY m.created_at ASC, m.id ASC")
	} else {
		b.WriteString(" ORDER BY m.created_at DESC, m.id DESC")
	}
	if opts.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, classify("list messages", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list messages", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" WHERE m.id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, domain.ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (domain.Author, error) {
	a := domain.Author{ID: userID}
	err := s.db.QueryRowContext(ctx,
		"SELECT display_name, avatar_url FROM profiles WHERE id = ?", userID,
	).Scan(&a.DisplayName, &a.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Author{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Author{}, classify("get profile", err)
	}
	return a, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, a domain.Author) error {
	if a.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, display_name, avatar_url, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name,
		   avatar_url = excluded.avatar_url, updated_at = excluded.updated_at`,
		a.ID, a.DisplayName, a.AvatarURL, s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return classify("upsert profile", err)
	}
	return nil
}

// Stats reports row counts for diagnostics.
type Stats struct {
	Messages      int
	Profiles      int
	Conversations int
	SchemaVersion int
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM profiles),
		(SELECT COUNT(DISTINCT conversation_id) FROM messages)`,
	).Scan(&st.Messages, &st.Profiles, &st.Conversations)
	if err != nil {
		return st, classify("stats", err)
	}
	st.SchemaVersion, err = GetSchemaVersion(s.db)
	return st, err
}

// Snapshot writes a consistent copy of the database to dst, which must not
// exist yet. The store stays usable while the copy is taken.
func (s *SQLiteStore) Snapshot(ctx context.Context, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("snapshot %s: file exists", dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("snapshot %s: %w", dst, err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return classify("snapshot", err)
	}
	return nil
}

func (s *SQLiteStore) publish(ctx context.Context, typ domain.ChangeType, convID string, newRow, oldRow any) {
	if s.feed == nil {
		return
	}
	ev := domain.ChangeEvent{Type: typ, ConversationID: convID}
	var err error
	if newRow != nil {
		if ev.New, err = json.Marshal(newRow); err != nil {
			s.logger.Error("encode change", "type", typ, "err", err)
			return
		}
	}
	if oldRow != nil {
		if ev.Old, err = json.Marshal(oldRow); err != nil {
			s.logger.Error("encode change", "type", typ, "err", err)
			return
		}
	}
	s.feed.PublishChange(ctx, ev)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (domain.Message, error) {
	var (
		row                  domain.MessageRow
		replyTo, editedAt    sql.NullString
		createdAt            string
		author               domain.Author
		parentID             sql.NullString
		parentContent, owner string
	)
	err := sc.Scan(&row.ID, &row.ConversationID, &row.UserID, &row.Content, &replyTo, &editedAt, &createdAt,
		&author.DisplayName, &author.AvatarURL, &parentID, &parentContent, &owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, err
		}
		return domain.Message{}, classify("scan message", err)
	}

	if row.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return domain.Message{}, &domain.ParseError{Kind: "message row", Field: "created_at", Err: err}
	}
	if editedAt.Valid {
		t, err := time.Parse(timeLayout, editedAt.String)
		if err != nil {
			return domain.Message{}, &domain.ParseError{Kind: "message row", Field: "edited_at", Err: err}
		}
		row.EditedAt = &t
	}
	if replyTo.Valid {
		row.ReplyToID = &replyTo.String
	}

	author.ID = row.UserID
	var reply *domain.ReplyPreview
	if parentID.Valid {
		reply = &domain.ReplyPreview{ID: parentID.String, Content: parentContent, SenderID: owner}
	}
	return row.ToMessage(author, reply), nil
}

func rowOf(m domain.Message) domain.MessageRow {
	row := domain.MessageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.SenderID,
		Content:        m.Content,
		EditedAt:       m.EditedAt,
		CreatedAt:      m.CreatedAt,
	}
	if m.ReplyToID != "" {
		reply := m.ReplyToID
		row.ReplyToID = &reply
	}
	return row
}

// classify wraps err, marking lock contention as transient so that callers
// retry it.
func classify(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return &domain.TransientError{Err: fmt.Errorf("%s: %w", op, err)}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
