//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/yanqian/agrivision/internal/bootstrap"
	"github.com/yanqian/agrivision/internal/domain/diagnosis"
	"github.com/yanqian/agrivision/internal/domain/session"
	"github.com/yanqian/agrivision/internal/infra/config"
	"github.com/yanqian/agrivision/internal/infra/weather/openweather"
	httpiface "github.com/yanqian/agrivision/internal/interface/http"
	"github.com/yanqian/agrivision/pkg/logger"
)

func initializeApp() (*bootstrap.App, error) {
	wire.Build(
		config.Load,
		logger.New,
		provideDiagnosisConfig,
		provideSessionConfig,
		provideWeatherClient,
		provideInvoker,
		provideSessionStore,
		provideObjectStorage,
		provideInspector,
		diagnosis.NewService,
		session.NewService,
		wire.Bind(new(diagnosis.WeatherProvider), new(*openweather.Client)),
		httpiface.NewHandler,
		httpiface.NewRouter,
		bootstrap.NewScheduler,
		bootstrap.NewApp,
	)
	return nil, nil
}
