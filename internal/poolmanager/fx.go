package poolmanager

import (
	"github.com/smallbiznis/allotment/internal/poolmanager/service"
	"go.uber.org/fx"
)

var Module = fx.Module("poolmanager.service",
	fx.Provide(service.New),
)
