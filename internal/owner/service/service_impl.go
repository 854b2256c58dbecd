package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/owner/domain"
	"github.com/smallbiznis/allotment/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("owner.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Owner, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return nil, domain.ErrInvalidKey
	}

	now := s.clock.Now()
	owner := &domain.Owner{
		ID:                  s.genID.Generate(),
		Key:                 key,
		DisplayName:         strings.TrimSpace(req.DisplayName),
		DefaultServiceLevel: strings.TrimSpace(req.DefaultServiceLevel),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.Insert(ctx, s.db, owner); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicate
		}
		return nil, err
	}

	s.log.Info("owner created", zap.String("owner_key", key), zap.String("owner_id", owner.ID.String()))
	return owner, nil
}

func (s *Service) GetByKey(ctx context.Context, key string) (*domain.Owner, error) {
	owner, err := s.repo.FindByKey(ctx, s.db, strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, domain.ErrNotFound
	}
	return owner, nil
}
