// Command resonance runs the music server: Slimproto and UDP discovery on
// the slim port, and the HTTP surface (streaming, JSON-RPC, Cometd, artwork,
// metrics) on the web port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/resonance-music/resonance/internal/api"
	"github.com/resonance-music/resonance/internal/artwork"
	"github.com/resonance-music/resonance/internal/cometd"
	"github.com/resonance-music/resonance/internal/config"
	"github.com/resonance-music/resonance/internal/discovery"
	"github.com/resonance-music/resonance/internal/events"
	"github.com/resonance-music/resonance/internal/identity"
	"github.com/resonance-music/resonance/internal/jsonrpc"
	"github.com/resonance-music/resonance/internal/library"
	"github.com/resonance-music/resonance/internal/metrics"
	"github.com/resonance-music/resonance/internal/playlist"
	"github.com/resonance-music/resonance/internal/slimproto"
	"github.com/resonance-music/resonance/internal/streaming"
	"github.com/resonance-music/resonance/internal/transcode"
)

func main() {
	os.Exit(run())
}

func run() int {
	settings := config.DefaultSettings()
	var showVersion bool

	flag.StringVar(&settings.Host, "host", "", "bind address (default all interfaces)")
	flag.IntVar(&settings.SlimPort, "p", settings.SlimPort, "Slimproto and discovery port")
	flag.IntVar(&settings.SlimPort, "port", settings.SlimPort, "Slimproto and discovery port")
	flag.IntVar(&settings.WebPort, "web-port", settings.WebPort, "HTTP port")
	flag.StringVar(&settings.ConfigDir, "config-dir", "", "directory with devices.toml and transcode.toml")
	flag.StringVar(&settings.CacheDir, "cache-dir", "", "cache directory (uuid, library, artwork)")
	flag.StringVar(&settings.MusicDir, "music-dir", "", "music library root")
	flag.StringVar(&settings.ToolsDir, "tools-dir", "", "transcoder binaries, searched before PATH")
	flag.BoolVar(&settings.Verbose, "v", false, "debug logging")
	flag.BoolVar(&settings.Verbose, "verbose", false, "debug logging")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("resonance " + identity.ReportedVersion)
		return 0
	}

	level := slog.LevelInfo
	if settings.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if settings.ConfigDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			settings.ConfigDir = filepath.Join(dir, "resonance")
		}
	}
	if settings.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			settings.CacheDir = filepath.Join(dir, "resonance")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, settings); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("main: server failed", "err", err)
		return 1
	}
	slog.Info("main: shutdown complete")
	return 0
}

func serve(ctx context.Context, settings config.Settings) error {
	serverName := identity.ServerName()
	serverUUID, err := identity.ServerUUID(settings.CacheDir)
	if err != nil {
		return err
	}
	slog.Info("main: starting resonance",
		"name", serverName, "uuid", serverUUID, "version", identity.ReportedVersion,
		"slim_port", settings.SlimPort, "web_port", settings.WebPort)

	devices, err := config.LoadDeviceTable(settings.ConfigDir)
	if err != nil {
		return err
	}
	rules, err := transcode.LoadRules(settings.ConfigDir)
	if err != nil {
		return err
	}
	policy := transcode.NewPolicy(rules, devices)

	store, err := library.Open(filepath.Join(settings.CacheDir, "library.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	playlists := playlist.NewManager()
	coord := streaming.NewCoordinator(func(mac string) (string, bool) {
		t, ok := playlists.CurrentTrack(mac)
		return t.Path, ok
	})
	seeks := streaming.NewSeekCoordinator()
	registry := slimproto.NewRegistry(bus)

	dispatcher := jsonrpc.NewDispatcher(jsonrpc.Config{
		Version:    identity.ReportedVersion,
		UUID:       serverUUID,
		ServerName: serverName,
		Bus:        bus,
		Registry:   registry,
		Playlists:  playlists,
		Coord:      coord,
		Seeks:      seeks,
		Policy:     policy,
		Library:    store,
	})
	bayeux := cometd.NewManager(bus, dispatcher.Dispatch)

	art, err := artwork.NewProvider(settings.CacheDir, store)
	if err != nil {
		return err
	}
	m := metrics.New(bayeux)

	webAddr := net.JoinHostPort(settings.Host, strconv.Itoa(settings.WebPort))
	slimAddr := net.JoinHostPort(settings.Host, strconv.Itoa(settings.SlimPort))

	slimServer := slimproto.NewServer(slimAddr, settings.WebPort, identity.ReportedVersion,
		bus, registry, coord, seeks, policy)
	responder := discovery.NewResponder(slimAddr, serverName, identity.ReportedVersion,
		serverUUID, settings.WebPort)
	responder.SetReplyHook(func(kind string) {
		m.DiscoveryReplies.WithLabelValues(kind).Inc()
	})
	mdns := discovery.NewMDNS(serverName, identity.ReportedVersion, settings.WebPort)

	httpServer := &http.Server{
		Addr: webAddr,
		Handler: api.NewServer(api.Config{
			Coord:    coord,
			Policy:   policy,
			Registry: registry,
			RPC:      dispatcher,
			Cometd:   bayeux,
			Artwork:  art,
			Library:  store,
			Metrics:  m,
			ToolsDir: settings.ToolsDir,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return slimServer.ListenAndServe(ctx) })

	g.Go(func() error {
		// Discovery is best-effort; a bind conflict should not take the
		// whole server down.
		if err := responder.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("main: discovery disabled", "err", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := mdns.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("main: mdns disabled", "err", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("main: http listening", "addr", webAddr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := dispatcher.RunAutoAdvance(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := bayeux.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		if err := config.Watch(ctx, settings.ConfigDir, func(file string) {
			switch file {
			case "devices.toml":
				if err := devices.Reload(settings.ConfigDir); err != nil {
					slog.Error("main: device table reload failed", "err", err)
				}
			case "transcode.toml":
				rules, err := transcode.LoadRules(settings.ConfigDir)
				if err != nil {
					slog.Error("main: transcode rules reload failed", "err", err)
					return
				}
				policy.SetRules(rules)
			}
		}); err != nil && ctx.Err() == nil {
			slog.Warn("main: config watch disabled", "err", err)
		}
		return nil
	})

	g.Go(func() error { return trackPlayerGauge(ctx, bus, registry, m) })

	if settings.MusicDir != "" {
		scanner := library.NewScanner(store, bus)
		g.Go(func() error {
			if err := scanner.Scan(settings.MusicDir); err != nil {
				slog.Error("main: library scan failed", "err", err)
			}
			return nil
		})
	} else {
		slog.Warn("main: no --music-dir given, library will be empty")
	}

	return g.Wait()
}

// trackPlayerGauge mirrors the registry size into the Prometheus gauge.
func trackPlayerGauge(ctx context.Context, bus *events.Bus, registry *slimproto.Registry, m *metrics.Metrics) error {
	ch := bus.Subscribe("metrics-players", "player.*")
	defer bus.Unsubscribe("metrics-players")
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			m.PlayersConnected.Set(float64(registry.Count()))
		}
	}
}
