// Package main is the entry point for the audarad daemon.
// audarad connects to an Audara backend over an encrypted WebSocket session,
// plays the resolved streams locally and is controlled over a unix socket,
// a loopback HTTP API and the desktop media session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"

	"github.com/audara/audarad/internal/audio"
	"github.com/audara/audarad/internal/auth"
	"github.com/audara/audarad/internal/catalog"
	"github.com/audara/audarad/internal/config"
	"github.com/audara/audarad/internal/control"
	"github.com/audara/audarad/internal/httpapi"
	"github.com/audara/audarad/internal/ipc"
	"github.com/audara/audarad/internal/kv"
	"github.com/audara/audarad/internal/media"
	"github.com/audara/audarad/internal/playback"
	"github.com/audara/audarad/internal/queue"
	"github.com/audara/audarad/internal/services"
	"github.com/audara/audarad/internal/session"
)

var log = logging.Logger("audarad")

// Version is set at build time via ldflags
var Version = "dev"

// Config holds daemon configuration
type Config struct {
	SocketPath string
	ConfigDir  string
	ServerURL  string
	TestMode   bool
	Verbose    bool
}

func main() {
	cfg := parseFlags()

	if cfg.Verbose {
		logging.SetLogLevel("*", "debug")
	}
	log.Infof("audarad version %s starting", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.SocketPath, "socket", "", "IPC socket path (default: auto-generated based on UID)")
	flag.StringVar(&cfg.ConfigDir, "config", "", "Configuration directory (default: ~/.config/audarad)")
	flag.StringVar(&cfg.ServerURL, "server", "", "Backend WebSocket URL (overrides config and the last server)")
	flag.BoolVar(&cfg.TestMode, "test-mode", false, "Run in test mode (silent audio, auto-approve pairing)")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	if cfg.ConfigDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("failed to get home directory: %v", err)
		}
		cfg.ConfigDir = filepath.Join(homeDir, ".config", "audarad")
	}

	if cfg.SocketPath == "" {
		cfg.SocketPath = fmt.Sprintf("/tmp/audarad-%d.sock", os.Getuid())
	}

	return cfg
}

func run(ctx context.Context, cfg *Config) error {
	configMgr := config.NewManager(cfg.ConfigDir)
	configMgr.UseEnvFiles(".env", filepath.Join(cfg.ConfigDir, ".env"))
	if err := configMgr.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	daemonCfg := configMgr.Get()
	if !cfg.Verbose {
		applyLogLevel(daemonCfg.LogLevel)
	}

	store, err := kv.Open(daemonCfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer store.Close()

	opts := session.DefaultOptions()
	opts.HeartbeatInterval = daemonCfg.HeartbeatInterval()
	opts.ReconnectDelay = daemonCfg.ReconnectDelay()
	channel := session.NewChannel(opts)
	defer channel.Close()

	engine := newAudioEngine(cfg.TestMode, daemonCfg.Audio.SampleRate)
	defer engine.Close()

	queueMgr := queue.NewManager()
	playOpts := playback.DefaultOptions()
	playOpts.ResolveTimeout = daemonCfg.ResolveTimeout()
	playOpts.Volume = daemonCfg.Audio.DefaultVolume
	player := playback.NewEngine(engine, channel, queueMgr, playOpts)
	defer player.Close()

	var queueStore *queue.Store
	if daemonCfg.Behavior.RememberQueue {
		queueStore = queue.NewStore(store, queueMgr)
		restoreQueue(ctx, queueStore, player)
		go saveQueueOnChange(ctx, queueStore, player)
	}

	login := auth.NewLogin(channel, store, daemonCfg.Behavior.AutoLogin)

	clientStore, err := auth.NewClientStore(store)
	if err != nil {
		return fmt.Errorf("failed to initialize client store: %w", err)
	}
	clients := auth.NewClients(clientStore, cfg.TestMode)

	serverURL := func() string {
		if u := channel.URL(); u != "" {
			return u
		}
		u, _, _ := store.Get(kv.KeyServerURL)
		return u
	}

	ctl := control.New(control.Deps{
		Player:       player,
		Session:      channel,
		Account:      login,
		Catalog:      catalog.New(serverURL),
		Playlists:    services.NewPlaylists(channel, player, serverURL),
		Admin:        services.NewAdmin(channel, store),
		Store:        store,
		ProbeTimeout: daemonCfg.ProbeTimeout(),
	})

	server := ipc.NewServer(cfg.SocketPath, clients, ctl)

	unsubscribe := channel.OnStateChange(func(st session.State) {
		login.OnState(st)
		server.PushSession()
	})
	defer unsubscribe()

	mediaSession, err := media.NewSession()
	if err != nil {
		log.Warnf("failed to initialize media session: %v", err)
		log.Warnf("continuing without OS media integration")
		mediaSession = media.NewNoOpSession()
	}
	defer mediaSession.Close()
	go media.NewBridge(mediaSession, player).Run(ctx)

	if err := configMgr.Watch(ctx, func(c *config.Config) {
		if !cfg.Verbose {
			applyLogLevel(c.LogLevel)
		}
		if c.ServerURL != "" && c.ServerURL != channel.URL() && cfg.ServerURL == "" {
			go connect(ctx, ctl, c.ServerURL)
		}
	}); err != nil {
		log.Warnf("config changes will not be picked up: %v", err)
	}

	initial := cfg.ServerURL
	if initial == "" {
		initial = daemonCfg.ServerURL
	}
	// an empty url reconnects to the last server, if any
	go connect(ctx, ctl, initial)

	if daemonCfg.HTTP.Enabled {
		if !cfg.Verbose {
			gin.SetMode(gin.ReleaseMode)
		}
		router := httpapi.SetupRouter(httpapi.NewAPI(ctl, clients), clients)
		go func() {
			if err := httpapi.Serve(ctx, daemonCfg.HTTP.Addr, router); err != nil {
				log.Errorf("HTTP API stopped: %v", err)
			}
		}()
	}

	log.Infof("starting IPC server on %s", cfg.SocketPath)
	serveErr := server.Start(ctx)

	if queueStore != nil {
		if err := queueStore.Save(player.State().Volume); err != nil {
			log.Warnf("failed to save queue on shutdown: %v", err)
		} else {
			log.Infof("queue saved on shutdown")
		}
	}

	if serveErr != nil {
		return fmt.Errorf("IPC server error: %w", serveErr)
	}
	return nil
}

func applyLogLevel(level string) {
	if err := logging.SetLogLevel("*", level); err != nil {
		log.Warnf("invalid log level %q: %v", level, err)
	}
}

// newAudioEngine opens the audio device, falling back to a silent engine in
// test mode or when no device is available.
func newAudioEngine(testMode bool, sampleRate int) audio.Engine {
	if testMode {
		log.Infof("test mode: using silent audio engine")
		return audio.NewNullEngine(0)
	}
	engine, err := audio.NewFFmpegEngine(sampleRate)
	if err != nil {
		log.Warnf("audio unavailable, playing silently: %v", err)
		return audio.NewNullEngine(0)
	}
	return engine
}

func restoreQueue(ctx context.Context, store *queue.Store, player *playback.Engine) {
	saved, err := store.Load()
	if err != nil {
		log.Warnf("failed to load saved queue: %v", err)
		return
	}
	if saved == nil || len(saved.Items) == 0 {
		return
	}
	if err := player.Restore(ctx, *saved); err != nil {
		log.Warnf("failed to restore queue: %v", err)
		return
	}
	log.Infof("restored queue: %d items, position %d", len(saved.Items), saved.Index)
}

func saveQueueOnChange(ctx context.Context, store *queue.Store, player *playback.Engine) {
	states, cancel := player.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if err := store.Save(st.Volume); err != nil {
				log.Warnf("failed to save queue: %v", err)
			}
		}
	}
}

func connect(ctx context.Context, ctl *control.Controller, url string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := ctl.Connect(ctx, url)
	switch {
	case err == nil:
		log.Infof("connecting to %s", ctl.SessionStatus().ServerURL)
	case errors.Is(err, control.ErrNoServer):
		log.Infof("no server configured; waiting for a connect command")
	default:
		log.Warnf("connect failed: %v", err)
	}
}
