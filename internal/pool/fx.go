package pool

import (
	"github.com/smallbiznis/allotment/internal/pool/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("pool.repository",
	fx.Provide(repository.Provide),
)
