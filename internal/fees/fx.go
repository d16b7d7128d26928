package fees

import (
	"github.com/smallbiznis/paysync/internal/fees/repository"
	"github.com/smallbiznis/paysync/internal/fees/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fees.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
