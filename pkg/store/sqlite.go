package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/collabnote/server/pkg/logger"
)

// linkPattern extracts outbound links from summary content, per
// spec.md §4.6: a line of the form "###link <title>".
var linkPattern = regexp.MustCompile(`(?m)###link\s+([^\n]+)\n`)

const historicTimeFormat = "20060102150405"

// SQLiteStore is the concrete Store backed by SQLite for metadata and
// the local filesystem for summary content and historic snapshots.
// Grounded on the teacher's pkg/database.Database, generalized from a
// single-table document store to the full user/summary/permission/
// event/links schema.
type SQLiteStore struct {
	db      *sql.DB
	dataDir string
}

// Open connects to the SQLite database at uri, runs pending
// migrations, and roots all file-backed content under dataDir.
func Open(ctx context.Context, uri, dataDir string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "save"), 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &SQLiteStore{db: db, dataDir: dataDir}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) GetSalt(ctx context.Context, username string) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx, "SELECT salt FROM user WHERE username = ?", username).Scan(&salt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get salt: %w", err)
	}
	return salt, nil
}

func (s *SQLiteStore) Authenticate(ctx context.Context, username, passHash string) (*User, error) {
	u, err := s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, hashed_pass, salt, is_public, create_time FROM user WHERE username = ?", username))
	if err != nil {
		return nil, err
	}
	if u.HashedPass != passHash {
		return nil, ErrNotFound
	}
	return u, nil
}

func (s *SQLiteStore) InsertUser(ctx context.Context, username, hashedPass string, salt []byte) (*User, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO user (username, hashed_pass, salt, is_public, create_time) VALUES (?, ?, ?, 0, ?)",
		username, hashedPass, salt, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: insert user id: %w", err)
	}
	return &User{ID: id, Username: username, HashedPass: hashedPass, Salt: salt, CreateTime: now}, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, hashed_pass, salt, is_public, create_time FROM user WHERE id = ?", userID))
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, hashed_pass, salt, is_public, create_time FROM user WHERE username = ?", username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var isPublic int
	var createTime int64
	if err := row.Scan(&u.ID, &u.Username, &u.HashedPass, &u.Salt, &isPublic, &createTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	u.IsPublic = isPublic != 0
	u.CreateTime = time.Unix(createTime, 0)
	return &u, nil
}

// --- Summaries ---

func (s *SQLiteStore) InsertSummary(ctx context.Context, title, content string, ownerID int64, font string) (*Summary, error) {
	if font == "" {
		font = "Arial"
	}
	path := s.contentPath(ownerID, title)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create summary dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("store: write summary content: %w", err)
	}

	now := time.Now()
	rel, err := filepath.Rel(s.dataDir, path)
	if err != nil {
		rel = path
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin insert summary: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO summary (owner_id, share_link, path_to_summary, font, create_time, update_time) VALUES (?, ?, ?, ?, ?, ?)",
		ownerID, title, rel, font, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: insert summary id: %w", err)
	}
	if err := rewriteLinksTx(ctx, tx, id, content, s.resolveLinkTarget); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit insert summary: %w", err)
	}

	return &Summary{ID: id, OwnerID: ownerID, ShareLink: title, PathToSummary: rel, Font: font, CreateTime: now, UpdateTime: now}, nil
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, summaryID int64, content string) error {
	sm, err := s.GetSummary(ctx, summaryID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, sm.PathToSummary), []byte(content), 0o644); err != nil {
		return fmt.Errorf("store: write summary content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save summary: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE summary SET update_time = ? WHERE id = ?", time.Now().Unix(), summaryID); err != nil {
		return fmt.Errorf("store: update summary time: %w", err)
	}
	if err := rewriteLinksTx(ctx, tx, summaryID, content, s.resolveLinkTarget); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit save summary: %w", err)
	}
	return nil
}

// UpdateSummaryMeta snapshots the summary's content and graph to its
// historic folder before applying the metadata change, per spec.md's
// "copies file+graph to historic folder before updating."
func (s *SQLiteStore) UpdateSummaryMeta(ctx context.Context, summaryID int64, font string) error {
	if err := s.snapshotHistoric(ctx, summaryID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "UPDATE summary SET font = ?, update_time = ? WHERE id = ?", font, time.Now().Unix(), summaryID)
	if err != nil {
		return fmt.Errorf("store: update summary meta: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSummary(ctx context.Context, summaryID int64) (*Summary, error) {
	return s.scanSummary(s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, share_link, path_to_summary, font, create_time, update_time FROM summary WHERE id = ?", summaryID))
}

func (s *SQLiteStore) GetSummaryByLink(ctx context.Context, title string) (*Summary, error) {
	return s.scanSummary(s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, share_link, path_to_summary, font, create_time, update_time FROM summary WHERE LOWER(share_link) = LOWER(?)", title))
}

func (s *SQLiteStore) scanSummary(row *sql.Row) (*Summary, error) {
	var sm Summary
	var createTime, updateTime int64
	if err := row.Scan(&sm.ID, &sm.OwnerID, &sm.ShareLink, &sm.PathToSummary, &sm.Font, &createTime, &updateTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan summary: %w", err)
	}
	sm.CreateTime = time.Unix(createTime, 0)
	sm.UpdateTime = time.Unix(updateTime, 0)
	return &sm, nil
}

func (s *SQLiteStore) GetSummaryContent(ctx context.Context, summaryID int64) (string, error) {
	sm, err := s.GetSummary(ctx, summaryID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.dataDir, sm.PathToSummary))
	if err != nil {
		return "", fmt.Errorf("store: read summary content: %w", err)
	}
	return string(data), nil
}

func (s *SQLiteStore) DeleteSummary(ctx context.Context, summaryID int64) error {
	sm, err := s.GetSummary(ctx, summaryID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete summary: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM links WHERE source_summary_id = ? OR target_summary_id = ?", summaryID, summaryID); err != nil {
		return fmt.Errorf("store: delete links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM permission WHERE summary_id = ?", summaryID); err != nil {
		return fmt.Errorf("store: delete permissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM summary WHERE id = ?", summaryID); err != nil {
		return fmt.Errorf("store: delete summary row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete summary: %w", err)
	}

	if err := os.Remove(filepath.Join(s.dataDir, sm.PathToSummary)); err != nil && !os.IsNotExist(err) {
		logger.Warn("delete summary %d: remove content file: %v", summaryID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAllByUser(ctx context.Context, userID int64) ([]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner_id, share_link, path_to_summary, font, create_time, update_time FROM summary WHERE owner_id = ? ORDER BY update_time DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("store: get all by user: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *SQLiteStore) GetAllUserCanAccess(ctx context.Context, userID int64) ([]*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT s.id, s.owner_id, s.share_link, s.path_to_summary, s.font, s.create_time, s.update_time
		FROM summary s
		LEFT JOIN permission p ON p.summary_id = s.id
		WHERE s.owner_id = ? OR p.user_id = ?
		ORDER BY s.update_time DESC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("store: get all user can access: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]*Summary, error) {
	var out []*Summary
	for rows.Next() {
		var sm Summary
		var createTime, updateTime int64
		if err := rows.Scan(&sm.ID, &sm.OwnerID, &sm.ShareLink, &sm.PathToSummary, &sm.Font, &createTime, &updateTime); err != nil {
			return nil, fmt.Errorf("store: scan summary row: %w", err)
		}
		sm.CreateTime = time.Unix(createTime, 0)
		sm.UpdateTime = time.Unix(updateTime, 0)
		out = append(out, &sm)
	}
	return out, rows.Err()
}

// --- Permissions ---

func (s *SQLiteStore) ShareSummary(ctx context.Context, summaryID, ownerID, targetUserID int64, kind PermissionKind) error {
	sm, err := s.GetSummary(ctx, summaryID)
	if err != nil {
		return err
	}
	if sm.OwnerID != ownerID {
		return ErrPermissionDenied
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO permission (summary_id, user_id, permission_type) VALUES (?, ?, ?) ON CONFLICT(summary_id, user_id) DO UPDATE SET permission_type = excluded.permission_type",
		summaryID, targetUserID, string(kind),
	)
	if err != nil {
		return fmt.Errorf("store: share summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePermission(ctx context.Context, summaryID, userID int64, kind PermissionKind) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE permission SET permission_type = ? WHERE summary_id = ? AND user_id = ?", string(kind), summaryID, userID)
	if err != nil {
		return fmt.Errorf("store: update permission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update permission rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CanAccess(ctx context.Context, summaryID, userID int64) (bool, error) {
	sm, err := s.GetSummary(ctx, summaryID)
	if err != nil {
		return false, err
	}
	if sm.OwnerID == userID {
		return true, nil
	}
	var n int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM permission WHERE summary_id = ? AND user_id = ?", summaryID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: can access: %w", err)
	}
	return n > 0, nil
}

// --- Events ---

func (s *SQLiteStore) InsertEvent(ctx context.Context, userID int64, title string, date time.Time) (*Event, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO event (user_id, event_title, event_date) VALUES (?, ?, ?)", userID, title, date.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: insert event id: %w", err)
	}
	return &Event{ID: id, UserID: userID, EventTitle: title, EventDate: date}, nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, userID int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, event_title, event_date FROM event WHERE user_id = ? ORDER BY event_date ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("store: get events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var date int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventTitle, &date); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.EventDate = time.Unix(date, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateEvent(ctx context.Context, eventID int64, title string, date time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE event SET event_title = ?, event_date = ? WHERE id = ?", title, date.Unix(), eventID)
	if err != nil {
		return fmt.Errorf("store: update event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update event rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEvent deletes eventID only if userID owns it, per spec.md
// §4.4's DELETEEVENT row ("delete if owned").
func (s *SQLiteStore) DeleteEvent(ctx context.Context, eventID, userID int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM event WHERE id = ? AND user_id = ?", eventID, userID)
	if err != nil {
		return fmt.Errorf("store: delete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete event rows affected: %w", err)
	}
	if n == 0 {
		var owner int64
		if scanErr := s.db.QueryRowContext(ctx, "SELECT user_id FROM event WHERE id = ?", eventID).Scan(&owner); scanErr == sql.ErrNoRows {
			return ErrNotFound
		}
		return ErrPermissionDenied
	}
	return nil
}

// --- Uploads ---

func (s *SQLiteStore) SaveUpload(ctx context.Context, userID int64, name string, data []byte) (string, error) {
	if strings.ContainsAny(name, "./\\") {
		return "", fmt.Errorf("store: unsafe upload name %q", name)
	}
	dir := filepath.Join(s.dataDir, fmt.Sprint(userID), "tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: create upload dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("store: write upload: %w", err)
	}
	return path, nil
}

func (s *SQLiteStore) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read file: %w", err)
	}
	return data, nil
}

// --- internals ---

func (s *SQLiteStore) contentPath(ownerID int64, title string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.', '\x00':
			return '_'
		}
		return r
	}, title)
	return filepath.Join(s.dataDir, fmt.Sprint(ownerID), safe+".md")
}

func (s *SQLiteStore) resolveLinkTarget(ctx context.Context, title string) (int64, bool) {
	sm, err := s.GetSummaryByLink(ctx, title)
	if err != nil {
		return 0, false
	}
	return sm.ID, true
}

// snapshotHistoric copies a summary's current content and graph into
// save/<sid>/<timestamp>/, per spec.md's Historic Snapshot invariant.
func (s *SQLiteStore) snapshotHistoric(ctx context.Context, summaryID int64) error {
	content, err := s.GetSummaryContent(ctx, summaryID)
	if err != nil {
		return err
	}
	graph, err := s.GetGraph(ctx, summaryID)
	if err != nil {
		return err
	}

	stamp := time.Now().Format(historicTimeFormat)
	dir := filepath.Join(s.dataDir, "save", fmt.Sprint(summaryID), stamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create historic dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "summary.md"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("store: write historic summary: %w", err)
	}
	graphData, err := encodeGraph(graph)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "graph.pkl"), graphData, 0o644); err != nil {
		return fmt.Errorf("store: write historic graph: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListHistoric(ctx context.Context, summaryID int64) ([]HistoricEntry, error) {
	dir := filepath.Join(s.dataDir, "save", fmt.Sprint(summaryID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list historic: %w", err)
	}
	var out []HistoricEntry
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, HistoricEntry{SummaryID: summaryID, Timestamp: e.Name()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (s *SQLiteStore) LoadHistoric(ctx context.Context, summaryID int64, timestamp string) (string, error) {
	path := filepath.Join(s.dataDir, "save", fmt.Sprint(summaryID), timestamp, "summary.md")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: load historic: %w", err)
	}
	return string(data), nil
}

func (s *SQLiteStore) HistoricGraph(ctx context.Context, summaryID int64, timestamp string) ([]*GraphNode, error) {
	path := filepath.Join(s.dataDir, "save", fmt.Sprint(summaryID), timestamp, "graph.pkl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load historic graph: %w", err)
	}
	return decodeGraph(data)
}
