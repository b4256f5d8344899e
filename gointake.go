package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gointake/decoder"
	"gointake/guard"
	"gointake/hid"
	"gointake/kiosk"
	"gointake/mqtt"
	"gointake/session"
	"gointake/store"
)

var myBuild string

// App holds the application state and dependencies.
type App struct {
	cfg    *Config
	log    zerolog.Logger
	mqtt   *mqtt.Client
	store  *store.Store
	orch   *kiosk.Orchestrator
	pub    *Publisher
	tags   chan string
	scans  chan string
	logout chan int64
	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time
}

// userCommand is the payload of the remote logout and select-current
// commands.
type userCommand struct {
	UserID int64 `json:"user_id"`
}

func main() {
	fmt.Printf("gointake build %s\n", myBuild)

	cfgfile := flag.String("cfg", "gointake.cfg", "Config file")
	flag.Parse()

	cfg, err := LoadConfig(*cfgfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		cfg:    cfg,
		log:    log,
		tags:   make(chan string, 16),
		scans:  make(chan string, 64),
		logout: make(chan int64, 16),
		ctx:    ctx,
		cancel: cancel,
		start:  time.Now(),
	}

	// Open the database and bring the schema up to date.
	app.store, err = store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}

	// Assemble the engine.
	router := session.New(session.ParseMode(cfg.AssignmentMode), log)
	g := guard.New(guard.Config{
		GlobalCooldown:  cfg.globalCooldown(),
		SessionCooldown: cfg.sessionCooldown(),
		Disabled:        !cfg.DuplicateCheckEnabled,
	}, nil)

	// MQTT is both the presentation surface and the command channel.
	app.mqtt, err = mqtt.New(cfg.MQTT, cfg.ClientID, mqtt.Handlers{
		OnConnect: app.onMQTTConnect,
		OnMessage: app.onMQTTMessage,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init mqtt")
	}
	app.pub = NewPublisher(app.mqtt, cfg.ClientID, log)

	app.orch = kiosk.New(kiosk.Config{
		Retap:         kiosk.ParseRetapPolicy(cfg.RetapPolicy),
		AutoProvision: cfg.AutoProvision,
	}, app.store, app.pub, router, g, log, nil)

	// Re-seed sessions that were still open when the kiosk last stopped.
	active, err := app.store.ActiveSessions(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("recover sessions")
	}
	for _, rec := range active {
		count, err := app.store.CountScans(ctx, rec.Session.ID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", rec.Session.ID).Msg("count recovered scans")
		}
		log.Info().Int64("user_id", rec.User.ID).Str("session_id", rec.Session.ID).Msg("recovered open session")
		app.orch.Restore(rec.User, rec.Session, count)
	}

	// One decoder per physical reader, all feeding the same tag stream.
	var sources []hid.Source
	for _, rcfg := range cfg.Readers {
		src, err := app.startReader(rcfg)
		if err != nil {
			log.Fatal().Err(err).Str("device", rcfg.Device).Msg("init reader")
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		log.Warn().Msg("no readers configured, tags only via mqtt")
	}

	go func() {
		if err := app.mqtt.Connect(); err != nil {
			log.Error().Err(err).Msg("mqtt connect")
		}
	}()

	var pump sync.WaitGroup
	pump.Add(1)
	go app.eventPump(&pump)
	go app.pingSender()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")

	// Stop the input side first, then let any in-flight persistence call
	// finish before the caches go away.
	cancel()
	for _, src := range sources {
		src.Close()
	}
	pump.Wait()

	app.mqtt.Disconnect()
	app.store.Close()
	log.Info().Msg("shutdown complete")
}

func newLogger(cfg *Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.New(os.Stdout)
	if cfg.LogPretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return out.Level(lvl).With().Timestamp().Logger()
}

// startReader opens one reader transport with its own decoder and pump
// goroutines.
func (app *App) startReader(rcfg hid.Config) (hid.Source, error) {
	keys := make(chan decoder.KeyEvent, 256)
	dec := decoder.New(decoder.Config{
		MinScanInterval: app.cfg.minScanInterval(),
		InputTimeout:    app.cfg.inputTimeout(),
		BufferCap:       app.cfg.MaxBufferLength,
	}, func(tag string) {
		select {
		case app.tags <- tag:
		case <-app.ctx.Done():
		}
	}, app.log)

	src, err := hid.New(rcfg, keys, app.log)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := src.Run(app.ctx); err != nil && app.ctx.Err() == nil {
			app.log.Error().Err(err).Str("device", rcfg.Device).Msg("reader stopped")
		}
	}()
	go func() {
		for {
			select {
			case <-app.ctx.Done():
				return
			case ev := <-keys:
				dec.HandleKey(ev)
			}
		}
	}()
	return src, nil
}

// eventPump is the single consumer driving the orchestrator, so tag and
// payload events are applied strictly in arrival order.
func (app *App) eventPump(wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-app.ctx.Done():
			return
		case tag := <-app.tags:
			app.orch.HandleTag(app.ctx, tag)
		case payload := <-app.scans:
			if payload == "" {
				continue
			}
			app.orch.HandlePayload(app.ctx, payload)
		case userID := <-app.logout:
			app.orch.HandleLogout(app.ctx, userID)
		}
	}
}

func (app *App) onMQTTConnect() {
	topics := []string{
		fmt.Sprintf("intake/camera/node/%s/payload", app.cfg.ClientID),
		fmt.Sprintf("intake/control/node/%s/logout", app.cfg.ClientID),
		fmt.Sprintf("intake/control/node/%s/current", app.cfg.ClientID),
		fmt.Sprintf("intake/control/node/%s/tag", app.cfg.ClientID),
	}
	for _, t := range topics {
		if err := app.mqtt.Subscribe(t); err != nil {
			app.log.Error().Err(err).Str("topic", t).Msg("subscribe")
		}
	}
}

func (app *App) onMQTTMessage(topic string, payload []byte) {
	switch topic {
	case fmt.Sprintf("intake/camera/node/%s/payload", app.cfg.ClientID):
		// The out-of-process camera decoder publishes raw payload text.
		select {
		case app.scans <- string(payload):
		default:
			app.log.Warn().Msg("scan queue full, payload dropped")
		}

	case fmt.Sprintf("intake/control/node/%s/logout", app.cfg.ClientID):
		var cmd userCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			app.log.Error().Err(err).Msg("decode logout command")
			return
		}
		select {
		case app.logout <- cmd.UserID:
		default:
			app.log.Warn().Msg("logout queue full, command dropped")
		}

	case fmt.Sprintf("intake/control/node/%s/current", app.cfg.ClientID):
		var cmd userCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			app.log.Error().Err(err).Msg("decode current command")
			return
		}
		if !app.orch.SetCurrent(cmd.UserID) {
			app.log.Warn().Int64("user_id", cmd.UserID).Msg("current command for inactive user")
		}

	case fmt.Sprintf("intake/control/node/%s/tag", app.cfg.ClientID):
		// Tag injection for sites wiring the reader through a separate
		// process, and for exercising a kiosk without hardware.
		select {
		case app.tags <- string(payload):
		default:
			app.log.Warn().Msg("tag queue full, tag dropped")
		}
	}
}

func (app *App) pingSender() {
	ticker := time.NewTicker(120 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.pub.PublishStatus(app.orch.Status(), time.Since(app.start))
		}
	}
}
