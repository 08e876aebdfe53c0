package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/inviteman/internal/model"
)

// SQLiteInviteRepo はSQLiteを使用した招待リポジトリ。
type SQLiteInviteRepo struct {
	db               *sql.DB
	linkValidityDays int
}

// NewSQLiteInviteRepo はSQLiteInviteRepoを生成する。
// linkValidityDaysは招待リンク有効期限の導出に使われる。
func NewSQLiteInviteRepo(db *sql.DB, linkValidityDays int) *SQLiteInviteRepo {
	return &SQLiteInviteRepo{db: db, linkValidityDays: linkValidityDays}
}

const inviteColumns = `user_id, username, invite_code, created_at, updated_at, claimed,
	jfa_user_id, plan_type, account_expires_at, last_notified_at, status`

// scanInvite は1行をmodel.Inviteにマッピングする。
// NULL許容カラムはこの関数でのみ扱い、呼び出し側に文字列キーアクセスを漏らさない。
func (r *SQLiteInviteRepo) scanInvite(row interface{ Scan(...any) error }) (*model.Invite, error) {
	inv := &model.Invite{}
	var jfaUserID, planType, status sql.NullString
	var accountExpiresAt, lastNotifiedAt sql.NullInt64

	err := row.Scan(
		&inv.UserID, &inv.Username, &inv.Code, &inv.CreatedAt, &inv.UpdatedAt, &inv.Claimed,
		&jfaUserID, &planType, &accountExpiresAt, &lastNotifiedAt, &status,
	)
	if err != nil {
		return nil, err
	}

	inv.JfaUserID = jfaUserID.String
	inv.PlanType = planType.String
	inv.Status = model.Status(status.String)
	if accountExpiresAt.Valid {
		v := accountExpiresAt.Int64
		inv.AccountExpiresAt = &v
	}
	if lastNotifiedAt.Valid {
		v := lastNotifiedAt.Int64
		inv.LastNotifiedAt = &v
	}
	inv.LinkExpiresAt = inv.CreatedAt + int64(r.linkValidityDays)*86400

	return inv, nil
}

// FindByID は指定チャットユーザーIDの招待を取得する。見つからない場合はnilを返す。
func (r *SQLiteInviteRepo) FindByID(ctx context.Context, userID string) (*model.Invite, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM user_invites WHERE user_id = ?`, userID)

	inv, err := r.scanInvite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find invite by ID: %w", err)
	}
	return inv, nil
}

// FindByUsername は表示名で招待を検索する。複数一致はErrAmbiguousUsername。
func (r *SQLiteInviteRepo) FindByUsername(ctx context.Context, username string) (*model.Invite, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+inviteColumns+` FROM user_invites WHERE username = ? LIMIT 2`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to find invite by username: %w", err)
	}
	defer rows.Close()

	var matches []*model.Invite
	for rows.Next() {
		inv, err := r.scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite row: %w", err)
		}
		matches = append(matches, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invite rows: %w", err)
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousUsername
	}
}

// Record は招待をupsertする。上書き時はclaimed/last_notified_atをリセットし、
// statusをプラン名から再導出する。jfa_user_idは既存の値を保持する。
func (r *SQLiteInviteRepo) Record(ctx context.Context, userID, username, code, planType string, accountExpiresAt *int64) error {
	now := time.Now().UTC().Unix()
	status := model.DeriveStatus(planType)

	var statusVal, planVal sql.NullString
	if planType != "" {
		planVal = sql.NullString{String: planType, Valid: true}
	}
	if status != model.StatusNone {
		statusVal = sql.NullString{String: string(status), Valid: true}
	}
	var expiresVal sql.NullInt64
	if accountExpiresAt != nil {
		expiresVal = sql.NullInt64{Int64: *accountExpiresAt, Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_invites (
			user_id, username, invite_code, created_at, updated_at, claimed,
			plan_type, account_expires_at, status
		)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			invite_code = excluded.invite_code,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			claimed = 0,
			plan_type = excluded.plan_type,
			account_expires_at = excluded.account_expires_at,
			status = excluded.status,
			last_notified_at = NULL`,
		userID, username, code, now, now, planVal, expiresVal, statusVal,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert invite: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkClaimed は招待を引き換え済みにする。冪等。
func (r *SQLiteInviteRepo) MarkClaimed(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_invites SET claimed = 1, updated_at = ? WHERE user_id = ?`,
		time.Now().UTC().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark invite claimed: %w", err)
	}
	return nil
}

// Delete は招待レコードを物理削除する。行が存在したかを返す。
func (r *SQLiteInviteRepo) Delete(ctx context.Context, userID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM user_invites WHERE user_id = ?`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete invite: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// UpdateStatus は招待のステータスを遷移させる。行が更新されたかを返す。
func (r *SQLiteInviteRepo) UpdateStatus(ctx context.Context, userID string, status model.Status) (bool, error) {
	if !status.Valid() {
		return false, model.NewInvalidStatusError(string(status))
	}

	var statusVal sql.NullString
	if status != model.StatusNone {
		statusVal = sql.NullString{String: string(status), Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE user_invites SET status = ?, updated_at = ? WHERE user_id = ?`,
		statusVal, time.Now().UTC().Unix(), userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update invite status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// SetJfaUserID はリモートアカウントIDへのリンクを記録する。
func (r *SQLiteInviteRepo) SetJfaUserID(ctx context.Context, userID, jfaUserID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_invites SET jfa_user_id = ?, updated_at = ? WHERE user_id = ?`,
		jfaUserID, time.Now().UTC().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set remote user link: %w", err)
	}
	return nil
}

// UpdateLastNotified は通知送信時刻を記録する。
func (r *SQLiteInviteRepo) UpdateLastNotified(ctx context.Context, userID string, timestamp int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_invites SET last_notified_at = ? WHERE user_id = ?`,
		timestamp, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update last notified: %w", err)
	}
	return nil
}

// ClearAccountExpiry は有効期限と通知時刻をNULLに戻す。
func (r *SQLiteInviteRepo) ClearAccountExpiry(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_invites SET account_expires_at = NULL, last_notified_at = NULL WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear account expiry: %w", err)
	}
	return nil
}

// ListExpiring は有効期限が (now, now+noticeWindowDays*86400] に入る招待を返す。
func (r *SQLiteInviteRepo) ListExpiring(ctx context.Context, noticeWindowDays int) ([]*model.Invite, error) {
	now := time.Now().UTC().Unix()
	noticeTimestamp := now + int64(noticeWindowDays)*86400

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+inviteColumns+`
		FROM user_invites
		WHERE account_expires_at IS NOT NULL
		  AND account_expires_at <= ?
		  AND account_expires_at > ?`,
		noticeTimestamp, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring invites: %w", err)
	}
	defer rows.Close()

	var invites []*model.Invite
	for rows.Next() {
		inv, err := r.scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite row: %w", err)
		}
		invites = append(invites, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invite rows: %w", err)
	}

	return invites, nil
}

// compile-time interface check
var _ InviteRepository = (*SQLiteInviteRepo)(nil)
