package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/certificate/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, certs []*domain.EntitlementCertificate) error {
	if len(certs) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entitlement_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"serial", "issued_at", "expires_at", "updated_at"}),
		}).
		Create(certs).Error
}

func (r *repo) DeleteByEntitlementIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(`DELETE FROM entitlement_certificates WHERE entitlement_id IN ?`, ids).Error
}

func (r *repo) ListByConsumer(ctx context.Context, db *gorm.DB, consumerID snowflake.ID) ([]*domain.EntitlementCertificate, error) {
	var certs []*domain.EntitlementCertificate
	err := db.WithContext(ctx).
		Where("consumer_id = ?", consumerID).
		Order("entitlement_id ASC").
		Find(&certs).Error
	return certs, err
}

func (r *repo) FindByEntitlementID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.EntitlementCertificate, error) {
	var cert domain.EntitlementCertificate
	err := db.WithContext(ctx).Where("entitlement_id = ?", id).First(&cert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cert, nil
}
