package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-audit-bot/internal/domain"
	"tg-audit-bot/internal/infra/metrics"
)

// Postgres реализует репозитории журнала на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo       = (*Postgres)(nil)
	_ domain.GroupRepo      = (*Postgres)(nil)
	_ domain.MemberRepo     = (*Postgres)(nil)
	_ domain.MessageRepo    = (*Postgres)(nil)
	_ domain.AttachmentRepo = (*Postgres)(nil)
	_ domain.FileCacheRepo  = (*Postgres)(nil)
	_ domain.SessionRepo    = (*Postgres)(nil)
	_ domain.TokenRepo      = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// UpsertUser реализует domain.UserRepo.
func (p *Postgres) UpsertUser(user domain.User) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO users (user_id, user_name, first_name, last_name)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE SET
    user_name = EXCLUDED.user_name,
    first_name = EXCLUDED.first_name,
    last_name = EXCLUDED.last_name,
    updated_at = now()
`, user.ID, user.Username, user.FirstName, user.LastName)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	return err
}

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.IsAdmin, &u.PhotoURL, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

const userColumns = "user_id, user_name, first_name, last_name, user_admin, photo_url, created_at, updated_at"

// GetUser возвращает пользователя по псевдониму.
func (p *Postgres) GetUser(id string) (domain.User, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `
SELECT `+userColumns+` FROM users WHERE user_id = $1
`, id))
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return user, true, nil
}

func (p *Postgres) listUsers(operation, query string, args ...any) ([]domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", operation, "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListUsers возвращает всех пользователей. Фильтрация по именам
// выполняется выше, после расшифровки полей.
func (p *Postgres) ListUsers() ([]domain.User, error) {
	return p.listUsers("users_list", `SELECT `+userColumns+` FROM users`)
}

// ListGroupUsers возвращает участников группы.
func (p *Postgres) ListGroupUsers(groupID int64) ([]domain.User, error) {
	return p.listUsers("users_list_by_group", `
SELECT `+strings.ReplaceAll(userColumns, "user_id", "users.user_id")+` FROM users
INNER JOIN group_members ON users.user_id = group_members.user_id
WHERE group_members.group_id = $1
`, groupID)
}

// SetAdmin выставляет флаг администратора.
func (p *Postgres) SetAdmin(id string, admin bool) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE users SET user_admin = $1, updated_at = now() WHERE user_id = $2`, admin, id)
	metrics.ObserveNetworkRequest("postgres", "users_set_admin", "users", start, err)
	return err
}

// SetPhoto сохраняет ссылку на фото профиля.
func (p *Postgres) SetPhoto(id string, url string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE users SET photo_url = $1, updated_at = now() WHERE user_id = $2`, url, id)
	metrics.ObserveNetworkRequest("postgres", "users_set_photo", "users", start, err)
	return err
}

// DeleteUsersBefore удаляет пользователей старше отметки.
func (p *Postgres) DeleteUsersBefore(cutoff time.Time) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `DELETE FROM users WHERE created_at < $1`, cutoff)
	metrics.ObserveNetworkRequest("postgres", "users_delete_before", "users", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// UpsertGroup реализует domain.GroupRepo.
func (p *Postgres) UpsertGroup(group domain.Group) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO groups (group_id, group_name)
VALUES ($1, $2)
ON CONFLICT (group_id) DO UPDATE SET
    group_name = EXCLUDED.group_name,
    updated_at = now()
`, group.ID, group.Name)
	metrics.ObserveNetworkRequest("postgres", "groups_upsert", "groups", start, err)
	return err
}

// GetGroup возвращает группу по идентификатору.
func (p *Postgres) GetGroup(id int64) (domain.Group, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var g domain.Group
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT group_id, group_name, created_at, updated_at FROM groups WHERE group_id = $1
`, id).Scan(&g.ID, &g.Name, &g.CreatedAt, &g.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "groups_get", "groups", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Group{}, false, nil
	}
	if err != nil {
		return domain.Group{}, false, err
	}
	return g, true, nil
}

// ListGroups возвращает группы, при необходимости по подстроке имени.
func (p *Postgres) ListGroups(search string) ([]domain.Group, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	query := `SELECT group_id, group_name, created_at, updated_at FROM groups`
	args := []any{}
	if search != "" {
		query += ` WHERE group_name ILIKE $1 LIMIT 50`
		args = append(args, "%"+search+"%")
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "groups_list", "groups", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// AddMember реализует domain.MemberRepo: вставка идемпотентна.
func (p *Postgres) AddMember(groupID int64, userID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO group_members (group_id, user_id)
VALUES ($1, $2)
ON CONFLICT (group_id, user_id) DO NOTHING
`, groupID, userID)
	metrics.ObserveNetworkRequest("postgres", "members_add", "group_members", start, err)
	return err
}

// DeleteMembersBefore удаляет членства старше отметки.
func (p *Postgres) DeleteMembersBefore(cutoff time.Time) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `DELETE FROM group_members WHERE joined_at < $1`, cutoff)
	metrics.ObserveNetworkRequest("postgres", "members_delete_before", "group_members", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// InsertEntry реализует domain.MessageRepo. Строки журнала неизменяемы,
// поэтому здесь только INSERT.
func (p *Postgres) InsertEntry(entry domain.AuditEntry) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	var replyTo sql.NullInt64
	if entry.ReplyToID != 0 {
		replyTo = sql.NullInt64{Int64: entry.ReplyToID, Valid: true}
	}
	var sticker sql.NullString
	if entry.StickerID != "" {
		sticker = sql.NullString{String: entry.StickerID, Valid: true}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO messages (uuid, version, group_id, group_name, poster_id, poster_name, message_id, message_text, reply_to_id, sticker_id, activity, captured_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, entry.UUID, entry.Version, entry.GroupID, entry.GroupName, entry.PosterID, entry.PosterName,
		entry.MessageID, entry.Text, replyTo, sticker, string(entry.Activity), entry.Timestamp)
	metrics.ObserveNetworkRequest("postgres", "messages_insert", "messages", start, err)
	return err
}

// CountEdits считает правки в линии (группа, исходное сообщение).
func (p *Postgres) CountEdits(groupID, messageID int64) (int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM messages WHERE group_id = $1 AND message_id = $2 AND activity = 'EDIT'
`, groupID, messageID).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "messages_count_edits", "messages", start, err)
	return count, err
}

// QueryEntries выбирает страницу журнала и общее число строк под фильтром.
func (p *Postgres) QueryEntries(filter domain.EntryFilter) ([]domain.AuditEntry, int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	conditions := []string{}
	params := []any{}
	add := func(cond string, value any) {
		params = append(params, value)
		conditions = append(conditions, fmt.Sprintf(cond, len(params)))
	}

	if !filter.From.IsZero() {
		add("captured_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("captured_at <= $%d", filter.To)
	}
	if filter.GroupID != 0 {
		add("group_id = $%d", filter.GroupID)
	}
	if filter.PosterID != "" {
		add("poster_id = $%d", filter.PosterID)
	}
	if filter.MessageID != 0 {
		add("message_id = $%d", filter.MessageID)
	}
	if filter.Activity != "" {
		add("activity = $%d", string(filter.Activity))
	}
	if filter.Text != "" {
		add("message_text ILIKE $%d", "%"+filter.Text+"%")
	}

	base := "FROM messages"
	if len(conditions) > 0 {
		base += " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	start := time.Now()
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) "+base, params...).Scan(&total)
	metrics.ObserveNetworkRequest("postgres", "messages_count", "messages", start, err)
	if err != nil {
		return nil, 0, err
	}

	query := "SELECT uuid, version, group_id, group_name, poster_id, poster_name, message_id, message_text, reply_to_id, sticker_id, activity, captured_at " +
		base + " ORDER BY captured_at DESC"
	if filter.Limit > 0 {
		params = append(params, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(params))
	}
	if filter.Page > 0 && filter.Limit > 0 {
		params = append(params, filter.Page*filter.Limit)
		query += fmt.Sprintf(" OFFSET $%d", len(params))
	}

	start = time.Now()
	rows, err := p.pool.Query(ctx, query, params...)
	metrics.ObserveNetworkRequest("postgres", "messages_query", "messages", start, err)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			replyTo sql.NullInt64
			sticker sql.NullString
		)
		if err := rows.Scan(&e.UUID, &e.Version, &e.GroupID, &e.GroupName, &e.PosterID, &e.PosterName,
			&e.MessageID, &e.Text, &replyTo, &sticker, &e.Activity, &e.Timestamp); err != nil {
			return nil, 0, err
		}
		if replyTo.Valid {
			e.ReplyToID = replyTo.Int64
		}
		if sticker.Valid {
			e.StickerID = sticker.String
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// InsertAttachment реализует domain.AttachmentRepo: повтор по
// (file_id, message_uuid) — no-op.
func (p *Postgres) InsertAttachment(att domain.Attachment) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO attachments (message_uuid, file_id, file_name, mime_type, file_unique_id, file_size, thumb)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (file_id, message_uuid) DO NOTHING
`, att.MessageUUID, att.FileID, att.Name, att.MimeType, att.UniqueID, att.Size, att.ThumbFileID)
	metrics.ObserveNetworkRequest("postgres", "attachments_insert", "attachments", start, err)
	return err
}

// ListAttachments возвращает вложения записи.
func (p *Postgres) ListAttachments(messageUUID string) ([]domain.Attachment, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT message_uuid, file_id, file_name, mime_type, file_unique_id, file_size, thumb
FROM attachments WHERE message_uuid = $1
`, messageUUID)
	metrics.ObserveNetworkRequest("postgres", "attachments_list", "attachments", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atts []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.MessageUUID, &a.FileID, &a.Name, &a.MimeType, &a.UniqueID, &a.Size, &a.ThumbFileID); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// CountAttachments считает вложения записи.
func (p *Postgres) CountAttachments(messageUUID string) (int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM attachments WHERE message_uuid = $1`, messageUUID).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "attachments_count", "attachments", start, err)
	return count, err
}

// GetFreshFile возвращает закэшированную ссылку, обновлённую не раньше since.
func (p *Postgres) GetFreshFile(fileID string, since time.Time) (domain.CachedFile, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var f domain.CachedFile
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT file_id, file_url, refreshed_at FROM files WHERE file_id = $1 AND refreshed_at > $2
`, fileID, since).Scan(&f.FileID, &f.URL, &f.RefreshedAt)
	metrics.ObserveNetworkRequest("postgres", "files_get_fresh", "files", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CachedFile{}, false, nil
	}
	if err != nil {
		return domain.CachedFile{}, false, err
	}
	return f, true, nil
}

// UpsertFile сохраняет разрешённую ссылку с обновлённой отметкой.
func (p *Postgres) UpsertFile(fileID, url string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO files (file_id, file_url, refreshed_at)
VALUES ($1, $2, now())
ON CONFLICT (file_id) DO UPDATE SET
    file_url = EXCLUDED.file_url,
    refreshed_at = EXCLUDED.refreshed_at
`, fileID, url)
	metrics.ObserveNetworkRequest("postgres", "files_upsert", "files", start, err)
	return err
}

// DeleteFilesBefore удаляет строки кэша старше отметки.
func (p *Postgres) DeleteFilesBefore(cutoff time.Time) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `DELETE FROM files WHERE refreshed_at < $1`, cutoff)
	metrics.ObserveNetworkRequest("postgres", "files_delete_before", "files", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// InsertSession реализует domain.SessionRepo.
func (p *Postgres) InsertSession(s domain.Session) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO sessions (session_id, user_id, auth_date) VALUES ($1, $2, $3)
`, s.ID, s.UserID, s.AuthDate)
	metrics.ObserveNetworkRequest("postgres", "sessions_insert", "sessions", start, err)
	return err
}

// GetSession возвращает сессию по идентификатору.
func (p *Postgres) GetSession(id string) (domain.Session, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var s domain.Session
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT session_id, user_id, auth_date, created_at FROM sessions WHERE session_id = $1
`, id).Scan(&s.ID, &s.UserID, &s.AuthDate, &s.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "sessions_get", "sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}
	return s, true, nil
}

// DeleteSession удаляет сессию.
func (p *Postgres) DeleteSession(id string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "sessions_delete", "sessions", start, err)
	return err
}

// InsertToken реализует domain.TokenRepo.
func (p *Postgres) InsertToken(t domain.AccessToken) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO tokens (token, user_id, group_id, message_id) VALUES ($1, $2, $3, $4)
`, t.Token, t.UserID, t.GroupID, t.MessageID)
	metrics.ObserveNetworkRequest("postgres", "tokens_insert", "tokens", start, err)
	return err
}

// GetToken возвращает токен.
func (p *Postgres) GetToken(token string) (domain.AccessToken, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var t domain.AccessToken
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT token, user_id, group_id, message_id, created_at FROM tokens WHERE token = $1
`, token).Scan(&t.Token, &t.UserID, &t.GroupID, &t.MessageID, &t.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "tokens_get", "tokens", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AccessToken{}, false, nil
	}
	if err != nil {
		return domain.AccessToken{}, false, err
	}
	return t, true, nil
}

// DeleteToken удаляет токен: погашение одноразово.
func (p *Postgres) DeleteToken(token string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM tokens WHERE token = $1`, token)
	metrics.ObserveNetworkRequest("postgres", "tokens_delete", "tokens", start, err)
	return err
}

// AttachAnnouncement привязывает к токену анонсирующее сообщение.
func (p *Postgres) AttachAnnouncement(token string, groupID int64, messageID int) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE tokens SET group_id = $1, message_id = $2 WHERE token = $3
`, groupID, messageID, token)
	metrics.ObserveNetworkRequest("postgres", "tokens_attach_announcement", "tokens", start, err)
	return err
}

// ListTokensBefore возвращает токены старше отметки для зачистки.
func (p *Postgres) ListTokensBefore(cutoff time.Time) ([]domain.AccessToken, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT token, user_id, group_id, message_id, created_at FROM tokens WHERE created_at < $1
`, cutoff)
	metrics.ObserveNetworkRequest("postgres", "tokens_list_before", "tokens", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []domain.AccessToken
	for rows.Next() {
		var t domain.AccessToken
		if err := rows.Scan(&t.Token, &t.UserID, &t.GroupID, &t.MessageID, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
