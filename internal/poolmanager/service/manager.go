package service

import (
	"context"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/catalog"
	certdomain "github.com/smallbiznis/allotment/internal/certificate/domain"
	"github.com/smallbiznis/allotment/internal/clock"
	complianceservice "github.com/smallbiznis/allotment/internal/compliance/service"
	"github.com/smallbiznis/allotment/internal/config"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	eventdomain "github.com/smallbiznis/allotment/internal/event/domain"
	ownerdomain "github.com/smallbiznis/allotment/internal/owner/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	"github.com/smallbiznis/allotment/internal/poolmanager/domain"
	"github.com/smallbiznis/allotment/internal/refresh"
	"github.com/smallbiznis/allotment/internal/rules/autobind"
	"github.com/smallbiznis/allotment/internal/rules/poolrules"
	"github.com/smallbiznis/allotment/internal/upstream"
	"github.com/smallbiznis/allotment/pkg/lock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBulkSize = 1000

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config config.Config
	Rules  *config.RulesHolder
	Clock  clock.Clock
	GenID  *snowflake.Node
	Locker *lock.Locker `optional:"true"`

	Owners       ownerdomain.Repository
	Consumers    consumerdomain.Repository
	Pools        pooldomain.Repository
	Entitlements entdomain.Repository

	Resolver      *catalog.Resolver
	Refresher     *refresh.Refresher
	Subscriptions upstream.SubscriptionSource
	Certificates  certdomain.Generator
	Events        eventdomain.Sink
	Compliance    *complianceservice.Service
}

type Manager struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	rules    *config.RulesHolder
	clock    clock.Clock
	genID    *snowflake.Node
	locker   *lock.Locker
	tracer   trace.Tracer
	bulkSize int

	owners    ownerdomain.Repository
	consumers consumerdomain.Repository
	pools     pooldomain.Repository
	ents      entdomain.Repository

	resolver      *catalog.Resolver
	refresher     *refresh.Refresher
	subscriptions upstream.SubscriptionSource
	certificates  certdomain.Generator
	events        eventdomain.Sink
	compliance    *complianceservice.Service

	engine   *poolrules.Engine
	selector *autobind.Selector
}

func New(p Params) domain.Service {
	return newManager(p)
}

func newManager(p Params) *Manager {
	bulk := p.Config.EntitlerBulkSize
	if bulk <= 0 {
		bulk = defaultBulkSize
	}
	log := p.Log.Named("pool.manager")
	return &Manager{
		db:            p.DB,
		log:           log,
		cfg:           p.Config,
		rules:         p.Rules,
		clock:         p.Clock,
		genID:         p.GenID,
		locker:        p.Locker,
		tracer:        otel.Tracer("allotment/poolmanager"),
		bulkSize:      bulk,
		owners:        p.Owners,
		consumers:     p.Consumers,
		pools:         p.Pools,
		ents:          p.Entitlements,
		resolver:      p.Resolver,
		refresher:     p.Refresher,
		subscriptions: p.Subscriptions,
		certificates:  p.Certificates,
		events:        p.Events,
		compliance:    p.Compliance,
		engine:        poolrules.New(poolrules.Config{Standalone: p.Config.IsStandalone()}, p.Log),
		selector:      autobind.New(p.Log),
	}
}

// changeSet accumulates the side effects of one operation so that cascades
// stop at pools already removed and compliance is recomputed once per consumer.
type changeSet struct {
	consumers map[snowflake.ID]struct{}
	deleted   map[snowflake.ID]struct{}
	// expired switches entitlement events to ENTITLEMENT_EXPIRED.
	expired bool

	poolsCreated int
	poolsUpdated int
	poolsDeleted int
	revoked      int
}

func newChangeSet() *changeSet {
	return &changeSet{
		consumers: map[snowflake.ID]struct{}{},
		deleted:   map[snowflake.ID]struct{}{},
	}
}

func (c *changeSet) touch(consumerIDs ...snowflake.ID) {
	for _, id := range consumerIDs {
		c.consumers[id] = struct{}{}
	}
}

func (c *changeSet) consumerIDs() []snowflake.ID {
	out := make([]snowflake.ID, 0, len(c.consumers))
	for id := range c.consumers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) insertPools(ctx context.Context, tx *gorm.DB, pools []*pooldomain.Pool, cs *changeSet) error {
	if len(pools) == 0 {
		return nil
	}
	now := m.clock.Now()
	for _, p := range pools {
		if p.ID == 0 {
			p.ID = m.genID.Generate()
		}
		p.CreatedAt = now
		p.UpdatedAt = now
	}
	if err := m.pools.Insert(ctx, tx, pools); err != nil {
		return err
	}
	events := make([]*eventdomain.Event, 0, len(pools))
	for _, p := range pools {
		events = append(events, eventdomain.PoolCreated(p))
	}
	if err := m.events.Queue(ctx, tx, events...); err != nil {
		return err
	}
	cs.poolsCreated += len(pools)
	return nil
}

func (m *Manager) savePool(ctx context.Context, tx *gorm.DB, u *pooldomain.PoolUpdate, cs *changeSet) error {
	u.Pool.UpdatedAt = m.clock.Now()
	if err := m.pools.Save(ctx, tx, u.Pool); err != nil {
		return err
	}
	cs.poolsUpdated++
	return m.events.Queue(ctx, tx, eventdomain.PoolModified(u))
}

func (m *Manager) findConsumer(ctx context.Context, conn *gorm.DB, consumerUUID string) (*consumerdomain.Consumer, error) {
	consumer, err := m.consumers.FindByUUID(ctx, conn, strings.TrimSpace(consumerUUID))
	if err != nil {
		return nil, err
	}
	if consumer == nil {
		return nil, consumerdomain.ErrNotFound
	}
	return consumer, nil
}

func (m *Manager) findOwner(ctx context.Context, conn *gorm.DB, ownerKey string) (*ownerdomain.Owner, error) {
	owner, err := m.owners.FindByKey(ctx, conn, strings.TrimSpace(ownerKey))
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, ownerdomain.ErrNotFound
	}
	return owner, nil
}

func poolIDs(pools []*pooldomain.Pool) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.ID)
	}
	return out
}

func uniqueSorted(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
