package owner

import (
	"github.com/smallbiznis/allotment/internal/owner/repository"
	"github.com/smallbiznis/allotment/internal/owner/service"
	"go.uber.org/fx"
)

var Module = fx.Module("owner.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
