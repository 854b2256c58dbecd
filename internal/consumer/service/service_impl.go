package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/consumer/domain"
	ownerdomain "github.com/smallbiznis/allotment/internal/owner/domain"
	"github.com/smallbiznis/allotment/pkg/dbtypes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	OwnerRepo ownerdomain.Repository
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	ownerRepo ownerdomain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("consumer.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		ownerRepo: p.OwnerRepo,
	}
}

func (s *Service) Register(ctx context.Context, req domain.RegisterRequest) (*domain.Consumer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	consumerType := req.Type
	if consumerType == "" {
		consumerType = domain.ConsumerTypeSystem
	}
	switch consumerType {
	case domain.ConsumerTypeSystem, domain.ConsumerTypeHypervisor, domain.ConsumerTypeDistributor, domain.ConsumerTypePerson:
	default:
		return nil, domain.ErrInvalidType
	}

	owner, err := s.ownerRepo.FindByKey(ctx, s.db, strings.TrimSpace(req.OwnerKey))
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, ownerdomain.ErrNotFound
	}

	now := s.clock.Now()
	consumer := &domain.Consumer{
		ID:                  s.genID.Generate(),
		UUID:                uuid.NewString(),
		OwnerID:             owner.ID,
		Name:                name,
		Type:                consumerType,
		Facts:               dbtypes.StringMap(req.Facts).Clone(),
		InstalledProductIDs: dbtypes.StringList(req.InstalledProductIDs).Normalized(),
		Capabilities:        dbtypes.StringList(req.Capabilities).Normalized(),
		Role:                strings.TrimSpace(req.Role),
		Usage:               strings.TrimSpace(req.Usage),
		ServiceLevel:        strings.TrimSpace(req.ServiceLevel),
		ServiceType:         strings.TrimSpace(req.ServiceType),
		Addons:              dbtypes.StringList(req.Addons).Normalized(),
		EntitlementStatus:   domain.StatusValid,
		SystemPurposeStatus: domain.PurposeNotSpecified,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.Insert(ctx, s.db, consumer); err != nil {
		return nil, err
	}

	s.log.Info("consumer registered",
		zap.String("consumer_uuid", consumer.UUID),
		zap.String("owner_key", owner.Key),
		zap.String("type", string(consumer.Type)),
	)
	return consumer, nil
}

func (s *Service) Get(ctx context.Context, consumerUUID string) (*domain.Consumer, error) {
	consumer, err := s.repo.FindByUUID(ctx, s.db, strings.TrimSpace(consumerUUID))
	if err != nil {
		return nil, err
	}
	if consumer == nil {
		return nil, domain.ErrNotFound
	}
	return consumer, nil
}

func (s *Service) UpdateFacts(ctx context.Context, consumerUUID string, req domain.UpdateRequest) (*domain.Consumer, error) {
	consumer, err := s.Get(ctx, consumerUUID)
	if err != nil {
		return nil, err
	}

	if req.Facts != nil {
		consumer.Facts = dbtypes.StringMap(req.Facts).Clone()
	}
	if req.InstalledProductIDs != nil {
		consumer.InstalledProductIDs = dbtypes.StringList(req.InstalledProductIDs).Normalized()
	}
	if req.Role != nil {
		consumer.Role = strings.TrimSpace(*req.Role)
	}
	if req.Usage != nil {
		consumer.Usage = strings.TrimSpace(*req.Usage)
	}
	if req.ServiceLevel != nil {
		consumer.ServiceLevel = strings.TrimSpace(*req.ServiceLevel)
	}
	if req.ServiceType != nil {
		consumer.ServiceType = strings.TrimSpace(*req.ServiceType)
	}
	if req.Addons != nil {
		consumer.Addons = dbtypes.StringList(req.Addons).Normalized()
	}
	consumer.UpdatedAt = s.clock.Now()

	if err := s.repo.Update(ctx, s.db, consumer); err != nil {
		return nil, err
	}
	return consumer, nil
}

// SetHost records that guestUUID currently runs on hostUUID.
func (s *Service) SetHost(ctx context.Context, guestUUID, hostUUID string) error {
	guest, err := s.Get(ctx, guestUUID)
	if err != nil {
		return err
	}
	host, err := s.Get(ctx, hostUUID)
	if err != nil {
		return err
	}
	if guest.OwnerID != host.OwnerID {
		return domain.ErrOwnerMismatch
	}

	hostID := host.ID
	guest.HostID = &hostID
	guest.UpdatedAt = s.clock.Now()
	return s.repo.Update(ctx, s.db, guest)
}
