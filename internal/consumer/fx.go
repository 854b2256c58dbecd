package consumer

import (
	"github.com/smallbiznis/allotment/internal/consumer/repository"
	"github.com/smallbiznis/allotment/internal/consumer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("consumer.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
