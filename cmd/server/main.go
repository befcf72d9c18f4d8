package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/ourshop/streamgate/internal/api"
	"github.com/ourshop/streamgate/internal/config"
	"github.com/ourshop/streamgate/internal/core"
	"github.com/ourshop/streamgate/internal/eventbus"
	"github.com/ourshop/streamgate/internal/janus"
	"github.com/ourshop/streamgate/internal/signaling"
	"github.com/ourshop/streamgate/internal/transcode"
)

func main() {
	app := &cli.App{
		Name:        "streamgate",
		Usage:       "WebRTC signaling gateway",
		Description: "Negotiates publisher sessions against the SFU and serves HLS playback",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':8080' (default value) for listen on 0.0.0.0:8080",
				Value: ":8080",
			},
		},
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startServer(c *cli.Context) error {
	initLogger(core.Environment(c.String("env")))

	if err := config.Init(); err != nil {
		return err
	}

	db, err := sqlx.Connect("pgx", viper.GetString("db.url"))
	if err != nil {
		return err
	}
	if err := db.Ping(); err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(viper.GetString("redis.url"))
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)

	sfuClient := janus.NewClient(
		viper.GetString("sfu.url"),
		viper.GetDuration("sfu.timeout"),
		viper.GetString("sfu.admin_key"),
	)

	supervisor := transcode.NewSupervisor(transcode.SupervisorOptions{
		OutputRoot:    viper.GetString("hls.output_root"),
		PublicBaseURL: viper.GetString("hls.public_base_url"),
		FfmpegPath:    viper.GetString("transcode.ffmpeg_path"),
	})

	streams := core.NewStreamsRepository(db)
	sessions := core.NewStreamSessionsRepository(db)

	orchestrator := signaling.NewOrchestrator(
		sfuClient,
		supervisor,
		sessions,
		streams,
		eventbus.RedisPubSub(rdb),
		signaling.Options{
			RoomID:     viper.GetInt64("sfu.room_id"),
			RoomSecret: viper.GetString("sfu.room_secret"),
		},
	)

	apiApp := api.NewApp(api.AppOptions{
		Signaler: orchestrator,
		Streams:  streams,
		Sessions: sessions,
		Hls:      supervisor,
		StunURLs: viper.GetStringSlice("webrtc.stun_servers"),
	})

	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              c.String("address"),
		Handler:           apiApp.Router(),
		ReadHeaderTimeout: 1 * time.Second,
		// Negotiations hold the request open for the whole answer wait
		// plus the drain, so the write timeout has to cover both.
		WriteTimeout: 60 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Msg("received signal to terminate the server")
		orchestrator.Shutdown()
		log.Info().Msg("all services are stopped")
		close(done)
	})

	// Shutdown the HTTP server
	go func() {
		<-quit
		log.Warn().Msg("the server is going shutting down")

		// Wait 20 seconds for close http connections
		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Fatal().Err(err).Msg("can't gracefully shutdown the server")
		}
	}()

	log.Info().Str("address", c.String("address")).Msg("streamgate is listening")

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server has been closed immediatelly")
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}

func initLogger(env core.Environment) {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}
