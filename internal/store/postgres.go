package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Store is the persistence contract shared by the live Postgres store and the
// fakes used in tests. WithTx runs the closure against a transaction-scoped
// store: every write inside either commits as one unit or rolls back as one
// unit, which is what makes re-fetching overlapping pages safe.
type Store interface {
	WithTx(ctx context.Context, fn func(Store) error) error

	GetPlatformPostByRoot(ctx context.Context, platform PlatformID, rootNativeID string) (*PlatformPost, error)
	GetPlatformPost(ctx context.Context, id string) (PlatformPost, error)
	UpsertPlatformPost(ctx context.Context, post PlatformPost) error
	ReplaceThread(ctx context.Context, platformPostID string, thread []NativePost) error
	DeletePlatformPost(ctx context.Context, id string) error

	InsertAppPost(ctx context.Context, post AppPost) error
	GetAppPost(ctx context.Context, id string) (AppPost, error)
	ListAppPosts(ctx context.Context, authorID string, limit int) ([]AppPost, error)
	UpdateAppPostGeneric(ctx context.Context, id string, generic []GenericPost, contentText string) error
	DeleteAppPost(ctx context.Context, id string) error

	MarkParsing(ctx context.Context, id string) (bool, error)
	ClearParsing(ctx context.Context, id string) error
	MarkParsed(ctx context.Context, id string) (bool, error)
	MarkApproved(ctx context.Context, id string) (bool, error)
	MarkRepublished(ctx context.Context, id, status string) (bool, error)

	AddMirror(ctx context.Context, mirror Mirror) error
	GetAppPostByMirror(ctx context.Context, platform PlatformID, platformPostID string) (*AppPost, error)

	InsertStatusEvent(ctx context.Context, event *StatusEvent) error
	ListStatusEvents(ctx context.Context, appPostID string, afterID int64, limit int) ([]StatusEvent, error)

	GetAccountCursor(ctx context.Context, platform PlatformID, accountID string) (*AccountCursor, error)
	SaveAccountCursor(ctx context.Context, cursor AccountCursor) error

	Ping(ctx context.Context) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  querier
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx begins a transaction and hands fn a store bound to it. Nested calls
// reuse the enclosing transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlatformPostByRoot(ctx context.Context, platform PlatformID, rootNativeID string) (*PlatformPost, error) {
	return s.scanPlatformPost(s.q.QueryRowContext(ctx, `
		SELECT id, platform_id, root_native_id, account_id, thread, publish_origin, publish_status, created_at, updated_at
		FROM platform_posts
		WHERE platform_id=$1 AND root_native_id=$2
	`, platform, rootNativeID))
}

func (s *PostgresStore) GetPlatformPost(ctx context.Context, id string) (PlatformPost, error) {
	post, err := s.scanPlatformPost(s.q.QueryRowContext(ctx, `
		SELECT id, platform_id, root_native_id, account_id, thread, publish_origin, publish_status, created_at, updated_at
		FROM platform_posts
		WHERE id=$1
	`, id))
	if err != nil {
		return PlatformPost{}, err
	}
	if post == nil {
		return PlatformPost{}, sql.ErrNoRows
	}
	return *post, nil
}

func (s *PostgresStore) scanPlatformPost(row *sql.Row) (*PlatformPost, error) {
	var post PlatformPost
	var thread []byte
	err := row.Scan(&post.ID, &post.PlatformID, &post.RootNativeID, &post.AccountID,
		&thread, &post.PublishOrigin, &post.PublishStatus, &post.CreatedAt, &post.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan platform post: %w", err)
	}
	if err := json.Unmarshal(thread, &post.Thread); err != nil {
		return nil, fmt.Errorf("decode thread: %w", err)
	}
	return &post, nil
}

func (s *PostgresStore) UpsertPlatformPost(ctx context.Context, post PlatformPost) error {
	thread, err := json.Marshal(post.Thread)
	if err != nil {
		return fmt.Errorf("encode thread: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO platform_posts (id, platform_id, root_native_id, account_id, thread, publish_origin, publish_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET thread=EXCLUDED.thread, publish_status=EXCLUDED.publish_status, updated_at=NOW()
	`, post.ID, post.PlatformID, post.RootNativeID, post.AccountID, thread, post.PublishOrigin, post.PublishStatus)
	if err != nil {
		return fmt.Errorf("upsert platform post: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReplaceThread(ctx context.Context, platformPostID string, thread []NativePost) error {
	encoded, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("encode thread: %w", err)
	}
	result, err := s.q.ExecContext(ctx, `
		UPDATE platform_posts SET thread=$2, updated_at=NOW() WHERE id=$1
	`, platformPostID, encoded)
	if err != nil {
		return fmt.Errorf("replace thread: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("replace thread: platform post %s not found", platformPostID)
	}
	return nil
}

func (s *PostgresStore) DeletePlatformPost(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM platform_posts WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete platform post: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAppPost(ctx context.Context, post AppPost) error {
	generic, err := json.Marshal(post.Generic)
	if err != nil {
		return fmt.Errorf("encode generic thread: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO app_posts (id, author_id, origin, created_at_ms, generic, content_text,
			parsing_status, parsed_status, reviewed_status, republished_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, post.ID, post.AuthorID, post.Origin, post.CreatedAtMs, generic, ContentText(post.Generic),
		post.ParsingStatus, post.ParsedStatus, post.ReviewedStatus, post.RepublishedStatus)
	if err != nil {
		return fmt.Errorf("insert app post: %w", err)
	}
	return nil
}

// ContentText flattens a generic thread into the plain text indexed for
// full-text search.
func ContentText(generic []GenericPost) string {
	parts := make([]string, 0, len(generic))
	for _, p := range generic {
		parts = append(parts, p.Content)
	}
	return strings.Join(parts, "\n")
}

const appPostColumns = `
	id, author_id, origin, created_at_ms, generic,
	parsing_status, parsed_status, reviewed_status, republished_status,
	created_at, updated_at
`

func (s *PostgresStore) GetAppPost(ctx context.Context, id string) (AppPost, error) {
	post, err := s.scanAppPost(s.q.QueryRowContext(ctx,
		`SELECT `+appPostColumns+` FROM app_posts WHERE id=$1`, id))
	if err != nil {
		return AppPost{}, err
	}
	if post == nil {
		return AppPost{}, sql.ErrNoRows
	}
	if err := s.attachMirrors(ctx, post); err != nil {
		return AppPost{}, err
	}
	return *post, nil
}

func (s *PostgresStore) ListAppPosts(ctx context.Context, authorID string, limit int) ([]AppPost, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + appPostColumns + ` FROM app_posts`
	args := []any{}
	if authorID != "" {
		query += ` WHERE author_id=$1`
		args = append(args, authorID)
	}
	query += fmt.Sprintf(` ORDER BY created_at_ms DESC LIMIT %d`, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list app posts: %w", err)
	}
	defer rows.Close()

	items := make([]AppPost, 0)
	for rows.Next() {
		post, err := s.scanAppPostRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app posts: %w", err)
	}
	for i := range items {
		if err := s.attachMirrors(ctx, &items[i]); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *PostgresStore) scanAppPost(row *sql.Row) (*AppPost, error) {
	var post AppPost
	var generic []byte
	err := row.Scan(&post.ID, &post.AuthorID, &post.Origin, &post.CreatedAtMs, &generic,
		&post.ParsingStatus, &post.ParsedStatus, &post.ReviewedStatus, &post.RepublishedStatus,
		&post.CreatedAt, &post.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan app post: %w", err)
	}
	if err := json.Unmarshal(generic, &post.Generic); err != nil {
		return nil, fmt.Errorf("decode generic thread: %w", err)
	}
	return &post, nil
}

func (s *PostgresStore) scanAppPostRows(rows *sql.Rows) (AppPost, error) {
	var post AppPost
	var generic []byte
	err := rows.Scan(&post.ID, &post.AuthorID, &post.Origin, &post.CreatedAtMs, &generic,
		&post.ParsingStatus, &post.ParsedStatus, &post.ReviewedStatus, &post.RepublishedStatus,
		&post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return AppPost{}, fmt.Errorf("scan app post: %w", err)
	}
	if err := json.Unmarshal(generic, &post.Generic); err != nil {
		return AppPost{}, fmt.Errorf("decode generic thread: %w", err)
	}
	return post, nil
}

func (s *PostgresStore) attachMirrors(ctx context.Context, post *AppPost) error {
	rows, err := s.q.QueryContext(ctx, `
		SELECT app_post_id, platform_id, platform_post_id, created_at
		FROM mirrors WHERE app_post_id=$1 ORDER BY platform_id
	`, post.ID)
	if err != nil {
		return fmt.Errorf("list mirrors: %w", err)
	}
	defer rows.Close()

	post.Mirrors = post.Mirrors[:0]
	for rows.Next() {
		var m Mirror
		if err := rows.Scan(&m.AppPostID, &m.PlatformID, &m.PlatformPostID, &m.CreatedAt); err != nil {
			return fmt.Errorf("scan mirror: %w", err)
		}
		post.Mirrors = append(post.Mirrors, m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate mirrors: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAppPostGeneric(ctx context.Context, id string, generic []GenericPost, text string) error {
	encoded, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("encode generic thread: %w", err)
	}
	result, err := s.q.ExecContext(ctx, `
		UPDATE app_posts SET generic=$2, content_text=$3, updated_at=NOW() WHERE id=$1
	`, id, encoded, text)
	if err != nil {
		return fmt.Errorf("update generic thread: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update generic thread: app post %s not found", id)
	}
	return nil
}

func (s *PostgresStore) DeleteAppPost(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM app_posts WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete app post: %w", err)
	}
	return nil
}

// Status transitions are conditional updates so illegal transitions are
// no-ops reported to the caller rather than silent overwrites.

func (s *PostgresStore) MarkParsing(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, `
		UPDATE app_posts SET parsing_status='PROCESSING', updated_at=NOW()
		WHERE id=$1 AND parsing_status='IDLE'
	`, id)
}

func (s *PostgresStore) ClearParsing(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE app_posts SET parsing_status='IDLE', updated_at=NOW() WHERE id=$1
	`, id)
	if err != nil {
		return fmt.Errorf("clear parsing status: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkParsed(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, `
		UPDATE app_posts SET parsed_status='PROCESSED', updated_at=NOW()
		WHERE id=$1 AND parsed_status=''
	`, id)
}

func (s *PostgresStore) MarkApproved(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, `
		UPDATE app_posts SET reviewed_status='APPROVED', updated_at=NOW()
		WHERE id=$1 AND reviewed_status='PENDING'
	`, id)
}

func (s *PostgresStore) MarkRepublished(ctx context.Context, id, status string) (bool, error) {
	if status != Republished && status != AutoRepublished {
		return false, fmt.Errorf("invalid republished status %q", status)
	}
	return s.transition(ctx, `
		UPDATE app_posts SET republished_status=$2, updated_at=NOW()
		WHERE id=$1 AND republished_status='PENDING'
	`, id, status)
}

func (s *PostgresStore) transition(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("status transition: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("status transition rows: %w", err)
	}
	return n > 0, nil
}

// AddMirror upserts on (app_post_id, platform_id): a republish replaces the
// previous mirror pointer for that platform instead of adding a second one.
func (s *PostgresStore) AddMirror(ctx context.Context, mirror Mirror) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO mirrors (app_post_id, platform_id, platform_post_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (app_post_id, platform_id) DO UPDATE SET platform_post_id=EXCLUDED.platform_post_id
	`, mirror.AppPostID, mirror.PlatformID, mirror.PlatformPostID)
	if err != nil {
		return fmt.Errorf("add mirror: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAppPostByMirror(ctx context.Context, platform PlatformID, platformPostID string) (*AppPost, error) {
	var appPostID string
	err := s.q.QueryRowContext(ctx, `
		SELECT app_post_id FROM mirrors WHERE platform_id=$1 AND platform_post_id=$2
	`, platform, platformPostID).Scan(&appPostID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mirror lookup: %w", err)
	}
	post, err := s.GetAppPost(ctx, appPostID)
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (s *PostgresStore) InsertStatusEvent(ctx context.Context, event *StatusEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	err = s.q.QueryRowContext(ctx, `
		INSERT INTO status_events (app_post_id, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, event.AppPostID, event.EventType, payload).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStatusEvents(ctx context.Context, appPostID string, afterID int64, limit int) ([]StatusEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, app_post_id, event_type, payload, created_at FROM status_events WHERE id > $1`
	args := []any{afterID}
	if appPostID != "" {
		query += ` AND app_post_id=$2`
		args = append(args, appPostID)
	}
	query += fmt.Sprintf(` ORDER BY id ASC LIMIT %d`, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	defer rows.Close()

	items := make([]StatusEvent, 0)
	for rows.Next() {
		var event StatusEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.AppPostID, &event.EventType, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAccountCursor(ctx context.Context, platform PlatformID, accountID string) (*AccountCursor, error) {
	var cursor AccountCursor
	err := s.q.QueryRowContext(ctx, `
		SELECT platform_id, account_id, newest_native_id, oldest_native_id, fetched_at
		FROM account_cursors WHERE platform_id=$1 AND account_id=$2
	`, platform, accountID).Scan(&cursor.PlatformID, &cursor.AccountID,
		&cursor.NewestNativeID, &cursor.OldestNativeID, &cursor.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account cursor: %w", err)
	}
	return &cursor, nil
}

func (s *PostgresStore) SaveAccountCursor(ctx context.Context, cursor AccountCursor) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO account_cursors (platform_id, account_id, newest_native_id, oldest_native_id, fetched_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (platform_id, account_id) DO UPDATE
		SET newest_native_id=EXCLUDED.newest_native_id, oldest_native_id=EXCLUDED.oldest_native_id, fetched_at=NOW()
	`, cursor.PlatformID, cursor.AccountID, cursor.NewestNativeID, cursor.OldestNativeID)
	if err != nil {
		return fmt.Errorf("save account cursor: %w", err)
	}
	return nil
}
