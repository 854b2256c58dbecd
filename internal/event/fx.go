package event

import (
	"github.com/smallbiznis/allotment/internal/event/domain"
	"github.com/smallbiznis/allotment/internal/event/repository"
	"github.com/smallbiznis/allotment/internal/event/service"
	"go.uber.org/fx"
)

var Module = fx.Module("event.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewOutbox),
	fx.Provide(func(o *service.Outbox) domain.Sink { return o }),
	fx.Provide(service.NewRelay),
)
