package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/inviteman/internal/model"
)

// SQLiteRemoteUserRepo はSQLiteを使用したリモートアカウントミラーリポジトリ。
type SQLiteRemoteUserRepo struct {
	db *sql.DB
}

// NewSQLiteRemoteUserRepo はSQLiteRemoteUserRepoを生成する。
func NewSQLiteRemoteUserRepo(db *sql.DB) *SQLiteRemoteUserRepo {
	return &SQLiteRemoteUserRepo{db: db}
}

const remoteUserColumns = `jfa_id, jellyfin_username, discord_id, email, expires_at,
	disabled, is_admin, can_invite, last_synced_at`

func scanRemoteUser(row interface{ Scan(...any) error }) (*model.RemoteUser, error) {
	u := &model.RemoteUser{}
	var discordID, email sql.NullString
	var expiresAt sql.NullInt64

	err := row.Scan(
		&u.JfaID, &u.Username, &discordID, &email, &expiresAt,
		&u.Disabled, &u.IsAdmin, &u.CanInvite, &u.LastSyncedAt,
	)
	if err != nil {
		return nil, err
	}

	u.DiscordID = discordID.String
	u.Email = email.String
	if expiresAt.Valid {
		v := expiresAt.Int64
		u.ExpiresAt = &v
	}
	return u, nil
}

// UpsertAll は全件を単一トランザクションでupsertする。
// 空文字列のdiscord_idはNULLに正規化し、「未リンク」行が複数あっても
// ユニーク制約に違反しないようにする。既存行の削除は行わない
// （同期で消えた行は次に上書きされるまで残る）。
func (r *SQLiteRemoteUserRepo) UpsertAll(ctx context.Context, users []*model.RemoteUser) error {
	if len(users) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jfa_users (
			jfa_id, jellyfin_username, discord_id, email, expires_at,
			disabled, is_admin, can_invite, last_synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jfa_id) DO UPDATE SET
			jellyfin_username = excluded.jellyfin_username,
			discord_id = excluded.discord_id,
			email = excluded.email,
			expires_at = excluded.expires_at,
			disabled = excluded.disabled,
			is_admin = excluded.is_admin,
			can_invite = excluded.can_invite,
			last_synced_at = excluded.last_synced_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Unix()
	for _, u := range users {
		var discordID, email sql.NullString
		if u.DiscordID != "" {
			discordID = sql.NullString{String: u.DiscordID, Valid: true}
		}
		if u.Email != "" {
			email = sql.NullString{String: u.Email, Valid: true}
		}
		var expiresAt sql.NullInt64
		if u.ExpiresAt != nil {
			expiresAt = sql.NullInt64{Int64: *u.ExpiresAt, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			u.JfaID, u.Username, discordID, email, expiresAt,
			u.Disabled, u.IsAdmin, u.CanInvite, now,
		); err != nil {
			return fmt.Errorf("failed to upsert remote user %s: %w", u.JfaID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByID はリモートアカウントIDでミラーを検索する。見つからない場合はnilを返す。
func (r *SQLiteRemoteUserRepo) FindByID(ctx context.Context, jfaID string) (*model.RemoteUser, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+remoteUserColumns+` FROM jfa_users WHERE jfa_id = ?`, jfaID)
	return r.findOne(row, "ID")
}

// FindByUsername はリモートユーザー名でミラーを検索する。見つからない場合はnilを返す。
func (r *SQLiteRemoteUserRepo) FindByUsername(ctx context.Context, username string) (*model.RemoteUser, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+remoteUserColumns+` FROM jfa_users WHERE jellyfin_username = ?`, username)
	return r.findOne(row, "username")
}

// FindByDiscordID はリンク済みチャットユーザーIDでミラーを検索する。
// 見つからない場合はnilを返す。
func (r *SQLiteRemoteUserRepo) FindByDiscordID(ctx context.Context, discordID string) (*model.RemoteUser, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+remoteUserColumns+` FROM jfa_users WHERE discord_id = ?`, discordID)
	return r.findOne(row, "discord ID")
}

func (r *SQLiteRemoteUserRepo) findOne(row *sql.Row, by string) (*model.RemoteUser, error) {
	u, err := scanRemoteUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find remote user by %s: %w", by, err)
	}
	return u, nil
}

// compile-time interface check
var _ RemoteUserRepository = (*SQLiteRemoteUserRepo)(nil)
