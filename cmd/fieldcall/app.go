package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/api"
	"github.com/mikeyg42/fieldcall/internal/claims"
	"github.com/mikeyg42/fieldcall/internal/config"
	"github.com/mikeyg42/fieldcall/internal/media"
	"github.com/mikeyg42/fieldcall/internal/metrics"
	"github.com/mikeyg42/fieldcall/internal/notification"
	"github.com/mikeyg42/fieldcall/internal/recorder"
	"github.com/mikeyg42/fieldcall/internal/recorder/storage"
	"github.com/mikeyg42/fieldcall/internal/rtcManager"
	"github.com/mikeyg42/fieldcall/internal/signaling"
)

const (
	stunProbeTimeout = 3 * time.Second
	shutdownTimeout  = 15 * time.Second
)

// Application struct that holds all components
type Application struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	hub      *notification.Hub
	webhook  *notification.WebhookNotifier
	notifier notification.Notifier

	claims   *claims.Client
	channel  *signaling.WSChannel
	router   *signaling.Router
	registry *rtcManager.Registry

	devices *media.MediaDevices
	newPeer rtcManager.PeerFactory

	uploader storage.Uploader
	index    storage.RecordingIndex
	pg       *storage.PostgresStore

	api *api.Server
}

func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{
		config:  cfg,
		logger:  logger,
		metrics: metrics.NewMetrics(),
		hub:     notification.NewHub(cfg.Notify.KeepRecent, logger),
	}

	notifiers := notification.Multi{notification.NewLogNotifier(logger), app.hub}
	whCfg, ok, err := config.CreateWebhookConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ok {
		app.webhook, err = notification.NewWebhookNotifier(whCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		notifiers = append(notifiers, app.webhook)
	}
	app.notifier = notifiers

	if cfg.Claims.BaseURL != "" {
		app.claims = claims.NewClient(cfg.Claims.BaseURL, cfg.Claims.Token, cfg.Claims.Timeout)
	}

	app.devices, err = media.NewMediaDevices(media.EncoderConfig{
		VideoBitRate: cfg.Media.VideoBitRate,
		AudioBitRate: cfg.Media.AudioBitRate,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up media devices: %w", err)
	}

	iceServers := rtcManager.ICEServersFromConfig(cfg.Session.ICEServers)
	if cfg.Session.ProbeSTUN {
		rtcManager.ProbeSTUN(ctx, iceServers, stunProbeTimeout, logger)
	}
	app.newPeer = rtcManager.NewPionFactory(rtcManager.PionConfig{
		ICEServers:     iceServers,
		RegisterCodecs: app.devices.RegisterCodecs,
	}, logger)

	app.initStorage(ctx)

	app.router = signaling.NewRouter(logger)
	app.registry = rtcManager.NewRegistry(app.router, logger)

	app.channel, err = signaling.Dial(ctx, signaling.WSConfig{
		URL:          cfg.Signaling.URL,
		DialTimeout:  cfg.Signaling.DialTimeout,
		WriteTimeout: cfg.Signaling.WriteTimeout,
		PingInterval: cfg.Signaling.PingInterval,
	}, logger)
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	app.api = api.NewServer(cfg.API, api.Deps{
		Calls:      app.registry,
		Notices:    app.hub,
		Recordings: app.index,
		Metrics:    app.metrics.Handler(),
	}, logger)

	return app, nil
}

// initStorage connects the object store and recording index. Either may be
// missing; calls then run without recording uploads or without the index.
func (app *Application) initStorage(ctx context.Context) {
	minioCfg, pgCfg, err := config.CreateStorageConfigs(app.config)
	if err != nil {
		app.logger.Warn("Storage disabled, recordings and screenshots will not be uploaded", zap.Error(err))
		return
	}

	objects, err := storage.NewMinIOStore(ctx, minioCfg)
	if err != nil {
		app.logger.Warn("Object storage unavailable, recordings and screenshots will not be uploaded", zap.Error(err))
	} else {
		app.uploader = objects
	}

	if !app.config.Storage.Postgres.Enabled {
		return
	}
	pg, err := storage.NewPostgresStore(ctx, pgCfg)
	if err != nil {
		app.logger.Warn("Recording index unavailable", zap.Error(err))
		return
	}
	app.pg = pg
	app.index = pg
}

// StartCall joins callID in role. claimID may be empty.
func (app *Application) StartCall(ctx context.Context, role signaling.Role, callID, claimID string) error {
	claim := claims.Context{ClaimID: claimID}
	if claimID != "" && app.claims != nil {
		var err error
		claim, err = app.claims.Get(ctx, claimID)
		if err != nil {
			return fmt.Errorf("call %s: %w", callID, err)
		}
	}

	logger := app.logger.With(zap.String("callId", callID))
	med := media.NewManager(app.devices, media.Constraints{
		Audio:      true,
		Video:      true,
		FacingMode: media.FacingMode(app.config.Media.FacingMode),
		Width:      app.config.Media.Width,
		Height:     app.config.Media.Height,
		FrameRate:  app.config.Media.FrameRate,
	}, logger)

	mgr, err := rtcManager.NewManager(rtcManager.Options{
		CallID:          callID,
		Role:            role,
		Claim:           claim,
		Sender:          app.channel,
		NewPeer:         app.newPeer,
		Media:           med,
		Notifier:        app.notifier,
		Uploader:        app.uploader,
		Retry:           rtcManager.RetryPolicyFromConfig(app.config.Session.Reconnect),
		QualityInterval: app.config.Session.QualityInterval,
		Metrics:         app.metrics,
		Logger:          app.logger,
	})
	if err != nil {
		return fmt.Errorf("call %s: %w", callID, err)
	}

	if role == signaling.RoleInvestigator && app.uploader != nil {
		source := recorder.NewWebMSource(recorder.WebMConfig{
			Width:         app.config.Media.Width,
			Height:        app.config.Media.Height,
			FrameRate:     app.config.Media.FrameRate,
			ChunkInterval: app.config.Recording.ChunkInterval,
		}, func() (media.LocalTrack, media.LocalTrack) {
			return med.VideoTrack(), med.AudioTrack()
		}, logger)

		mgr.SetRecorder(recorder.NewPipeline(recorder.Config{
			CallID:         callID,
			ClaimID:        claim.ClaimID,
			ClaimNumber:    claim.ClaimNumber,
			ContentType:    app.config.Recording.ContentType,
			UploadAttempts: app.config.Recording.UploadAttempts,
			UploadTimeout:  app.config.Recording.UploadTimeout,
		}, source, app.uploader, app.index, mgr, app.metrics, logger))
	}

	if err := app.registry.Add(mgr); err != nil {
		return err
	}
	return mgr.Start(ctx)
}

// Run serves the API and reads signaling until ctx is cancelled or the
// relay connection drops. On cancellation live calls are hung up before
// the relay connection closes.
func (app *Application) Run(ctx context.Context) error {
	app.api.StartInBackground()

	readCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.channel.Run(readCtx, app.router)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("signaling channel closed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	app.registry.EndAll(endCtx)
	endCancel()
	cancel()
	<-errCh
	return nil
}

func (app *Application) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if app.registry != nil {
		app.registry.EndAll(ctx)
	}
	if app.api != nil {
		if err := app.api.Shutdown(ctx); err != nil {
			app.logger.Warn("API server shutdown failed", zap.Error(err))
		}
	}
	if app.channel != nil {
		app.channel.Close()
	}
	if app.webhook != nil {
		if err := app.webhook.Close(); err != nil {
			app.logger.Warn("Webhook notifier did not drain", zap.Error(err))
		}
	}
	if app.pg != nil {
		app.pg.Close()
	}
}
