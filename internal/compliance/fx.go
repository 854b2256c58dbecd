package compliance

import (
	"github.com/smallbiznis/allotment/internal/compliance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("compliance.service",
	fx.Provide(service.New),
)
