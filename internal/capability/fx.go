package capability

import (
	"github.com/formlane/creditledger/internal/capability/service"
	"go.uber.org/fx"
)

var Module = fx.Module("capability.service",
	fx.Provide(service.NewService),
)
