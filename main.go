package main

import (
	"os"
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/routers"
	"StoryFlow-server/routers/api"
	"StoryFlow-server/service"
	"StoryFlow-server/workflow"

	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	config.InitConfig()
	log.Info().Str("port", config.AppConfig.Server.Port).Msg("server starting")

	models.InitDB()
	service.InitMinIO()

	store := models.NewGormStore(models.GormDB)
	dispatcher := service.NewAsynqDispatcher()
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
		DB:       config.AppConfig.Redis.DB,
	})
	publisher := service.NewRedisPublisher(rdb)

	generator := service.NewGenerationClient()
	registry := workflow.DefaultRegistry(generator)

	processor := service.NewProcessor(store, dispatcher, publisher, generator, registry)
	processor.Start(config.AppConfig.Worker.Concurrency)

	streamPool, err := ants.NewPool(config.AppConfig.Stream.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("stream pool init failed")
	}
	defer streamPool.Release()

	h := &api.Handler{
		Pipeline:      service.NewPipelineController(store, dispatcher, publisher),
		Workflow:      service.NewWorkflowController(store, dispatcher, registry),
		Store:         store,
		Dispatcher:    dispatcher,
		Publisher:     publisher,
		StreamPool:    streamPool,
		StreamTimeout: time.Duration(config.AppConfig.Stream.IdleTimeoutSecs) * time.Second,
	}

	r := routers.InitRouter(h)
	if err := r.Run(config.AppConfig.Server.Port); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
