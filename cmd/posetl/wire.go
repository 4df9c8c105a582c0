//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"posetl/internal/biz"
	"posetl/internal/conf"
	"posetl/internal/data"
	"posetl/internal/server"
	"posetl/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Server, *conf.Data, *conf.Pipeline, *conf.Wansoft, *conf.Cron, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(server.ProviderSet, data.ProviderSet, biz.ProviderSet, service.ProviderSet, newApp))
}

// wireOneShot init the pipeline service for a single CLI fetch.
func wireOneShot(*conf.Data, *conf.Pipeline, *conf.Wansoft, log.Logger) (*service.PipelineService, func(), error) {
	panic(wire.Build(data.ProviderSet, biz.ProviderSet, service.ProviderSet))
}
