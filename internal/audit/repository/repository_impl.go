package repository

import (
	"context"

	"github.com/smallbiznis/marketplace/internal/audit/domain"
	"gorm.io/gorm"
)

const defaultListLimit = 200

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) ListByTarget(ctx context.Context, db *gorm.DB, targetType, targetID string, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	var logs []domain.AuditLog
	err := db.WithContext(ctx).Raw(
		`SELECT id, actor_type, actor_id, action, target_type, target_id, order_id, metadata, created_at
		FROM marketplace_audit_logs
		WHERE target_type = ? AND target_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		targetType, targetID, limit,
	).Scan(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
