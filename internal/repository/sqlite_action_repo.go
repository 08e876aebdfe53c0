package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/inviteman/internal/model"
)

// SQLiteActionRepo はSQLiteを使用した監査レコードリポジトリ。
// 追記専用。
type SQLiteActionRepo struct {
	db *sql.DB
}

// NewSQLiteActionRepo はSQLiteActionRepoを生成する。
func NewSQLiteActionRepo(db *sql.DB) *SQLiteActionRepo {
	return &SQLiteActionRepo{db: db}
}

// Record は監査レコードを挿入する。
func (r *SQLiteActionRepo) Record(ctx context.Context, action *model.AdminAction) error {
	var details sql.NullString
	if action.Details != "" {
		details = sql.NullString{String: action.Details, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_actions (
			admin_id, admin_username, action_type,
			target_user_id, target_username, details, performed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		action.AdminID, action.AdminUsername, string(action.ActionType),
		action.TargetUserID, action.TargetUsername, details, action.PerformedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert admin action: %w", err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		action.ID = id
	}
	return nil
}

// compile-time interface check
var _ ActionRepository = (*SQLiteActionRepo)(nil)
