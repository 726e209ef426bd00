package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"intercom-bridge/internal/auth"
	"intercom-bridge/internal/autoopen"
	"intercom-bridge/internal/bridge"
	"intercom-bridge/internal/config"
	"intercom-bridge/internal/device"
	"intercom-bridge/internal/email"
	"intercom-bridge/internal/events"
	"intercom-bridge/internal/is74"
	"intercom-bridge/internal/notify"
	"intercom-bridge/internal/push"
	"intercom-bridge/internal/retry"
	"intercom-bridge/internal/secure"
	"intercom-bridge/internal/storage"
	"intercom-bridge/internal/utils"
)

const clientIDKey = "client_id"

// components holds everything a command may need, built from the configuration.
type components struct {
	store     *secure.Store
	client    *is74.Client
	auth      *auth.Manager
	hub       *notify.Hub
	devices   *device.Dispatcher
	events    *events.Log
	stream    *events.Broadcaster
	schedules *autoopen.Store
	listener  *push.Listener
	bridge    *bridge.Bridge
}

func build(ctx context.Context, cfg *config.Config, backend storage.Provider) (*components, error) {
	store, err := secure.Open(ctx, backend, cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}

	clientID, err := loadClientID(ctx, store, cfg.Provider.DeviceID)
	if err != nil {
		return nil, err
	}

	client := is74.NewClient(is74.Options{
		BaseURL:   cfg.Provider.BaseURL,
		CRMURL:    cfg.Provider.CRMURL,
		UserAgent: cfg.Provider.UserAgent,
		DeviceID:  clientID,
		Timeout:   cfg.Provider.Timeout,
		Retry:     retry.Policy{MaxAttempts: cfg.Provider.RetryAttempts, Base: time.Second, Cap: 4 * time.Second},
	})

	manager := auth.NewManager(client, store, auth.Options{
		RefreshMargin: cfg.Auth.RefreshMargin,
		MaxAttempts:   cfg.Auth.MaxAttempts,
		Lockout:       cfg.Auth.Lockout,
		SessionTTL:    cfg.Auth.SessionTTL,
	})

	hub := notify.NewHub(notify.Options{QueueSize: cfg.Notify.QueueSize}, notifySinks(cfg)...)

	dispatcher := device.NewDispatcher(client, manager, hub, device.Options{
		RelockDelay:    cfg.Device.RelockDelay,
		OfflineAfter:   cfg.Device.OfflineAfter,
		CommandTimeout: cfg.Device.CommandTimeout,
		CacheTTL:       cfg.Device.CacheTTL,
	})

	stream := events.NewBroadcaster()
	eventLog := events.NewLog(backend, evbus.New(), events.Options{Retention: cfg.Events.Retention})
	if err := eventLog.Subscribe(hub.Notify); err != nil {
		return nil, err
	}
	if err := eventLog.Subscribe(stream.Publish); err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	schedules, err := autoopen.NewStore(cfg.AutoOpen.File, cfg.AutoOpen.Document, loc)
	if err != nil {
		return nil, err
	}

	c := &components{
		store:     store,
		client:    client,
		auth:      manager,
		hub:       hub,
		devices:   dispatcher,
		events:    eventLog,
		stream:    stream,
		schedules: schedules,
	}

	opts := bridge.Options{}
	if cfg.Push.Enabled {
		c.listener = push.NewListener(manager, push.Options{
			URL:         cfg.Push.URL,
			QueueSize:   cfg.Push.QueueSize,
			Heartbeat:   cfg.Push.Heartbeat,
			StableAfter: cfg.Push.StableAfter,
		})
		opts.Listener = c.listener
	}
	c.bridge = bridge.New(manager, dispatcher, eventLog, schedules, opts)
	return c, nil
}

// restore loads stored credentials for one-shot commands.
func (c *components) restore(ctx context.Context) error {
	c.hub.Start(ctx)
	return c.auth.Restore(ctx)
}

func (c *components) close() {
	c.bridge.Stop()
	c.hub.Stop()
}

// loadClientID returns the configured client id, or the one generated on
// first run and kept in the token store.
func loadClientID(ctx context.Context, store *secure.Store, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	data, err := store.Load(ctx, clientIDKey)
	if err == nil && utils.ValidClientID(string(data)) {
		return string(data), nil
	}
	if err != nil && !errors.Is(err, secure.ErrNotFound) {
		slog.Warn("Stored client id is unreadable, generating a new one", "error", err)
	}

	id := utils.GenerateClientID()
	if err := store.Save(ctx, clientIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to store client id: %w", err)
	}
	slog.Info("Generated client id", "client_id", id)
	return id, nil
}

func notifySinks(cfg *config.Config) []notify.Sink {
	sinks := []notify.Sink{notify.NewLogSink()}
	if cfg.Notify.Webhook.URL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Token))
	}
	if mail := cfg.Notify.Email; mail.Host != "" && len(mail.To) > 0 {
		client := email.NewClient(mail.Host, mail.Port, mail.Username, mail.Password, mail.From)
		sinks = append(sinks, notify.NewEmailSink(client, mail.To))
	}
	return sinks
}
