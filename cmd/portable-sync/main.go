package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/thejerf/suture/v4"

	"portable-sync/internal/auth"
	"portable-sync/internal/collection"
	"portable-sync/internal/config"
	"portable-sync/internal/driver"
	"portable-sync/internal/driver/fsdevice"
	"portable-sync/internal/mountwatch"
	"portable-sync/internal/notify"
	"portable-sync/internal/queue"
	"portable-sync/internal/registry"
	"portable-sync/internal/server"
	"portable-sync/internal/stats"
	"portable-sync/internal/transcode"
	"portable-sync/internal/transfer"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "portable-sync",
	})

	settings, err := config.Load()
	if err != nil {
		logger.Fatalf("load configuration: %v", err)
	}
	if level, err := log.ParseLevel(settings.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", settings.LogLevel)
	}

	if err := config.ValidateListenAddr(settings.ListenAddr); err != nil {
		logger.Fatalf("invalid listen address %q: %v", settings.ListenAddr, err)
	}

	store, err := collection.Open(collection.Options{
		Dir:     settings.CollectionDir,
		Allowed: settings.AllowedExtensions,
		Logger:  logger.WithPrefix("collection"),
	})
	if err != nil {
		logger.Fatalf("open collection: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("error closing collection: %v", err)
		}
	}()

	notifier := notify.NewLogNotifier(logger)
	q := queue.New(queue.Options{
		Path:     settings.QueueFile,
		Resolver: store,
		Notifier: notifier,
		Logger:   logger.WithPrefix("queue"),
		Allowed:  settings.AllowedExtensions,
	})
	if err := q.Load(); err != nil {
		logger.Warn("starting with an empty transfer queue")
	}

	executor := transfer.New(transfer.Options{
		Queue: q,
		Transcoder: transcode.NewService(transcode.Options{
			TempDir: settings.TempDir,
			Logger:  logger.WithPrefix("transcode"),
		}),
		Notifier: notifier,
		Logger:   logger.WithPrefix("transfer"),
		OnProgress: func(device string, current, total int) {
			logger.Debugf("%s: %d/%d", device, current, total)
		},
	})

	catalog := driver.NewCatalog()
	fsdevice.Register(catalog, logger.WithPrefix("mount"))

	reg := registry.New(registry.Options{
		Settings: settings,
		Catalog:  catalog,
		Queue:    q,
		Executor: executor,
		Stats:    stats.New(store, logger.WithPrefix("stats")),
		Notifier: notifier,
		Prompter: notify.ContextPrompt{Default: notify.AnswerNo},
		Logger:   logger,
	})
	q.Recompute()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, m := range settings.Manual {
		if _, err := reg.AddManual(ctx, m); err != nil {
			logger.Errorf("manual device %s: %v", m.Name, err)
		}
	}

	var tokens *auth.TokenStore
	if settings.TokensEnabled {
		tokens, err = auth.NewTokenStore(settings.TokenFile, settings.RefreshDebounce, logger.WithPrefix("auth"))
		if err != nil {
			logger.Fatalf("initialise token store: %v", err)
		}
	}

	watcher, err := mountwatch.New(mountwatch.Options{
		Roots:    settings.MountRoots,
		Debounce: settings.RefreshDebounce,
		Handler:  reg,
		Logger:   logger.WithPrefix("mounts"),
	})
	if err != nil {
		logger.Fatalf("initialise mount watcher: %v", err)
	}

	handler := server.New(server.Options{
		Devices:     reg,
		Queue:       q,
		Collection:  store,
		Validator:   validator(tokens),
		History:     notifier.History,
		Logger:      logger.WithPrefix("http"),
		BaseContext: ctx,
	})
	httpServer := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sup := suture.New("portable-sync", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn(e.String())
		},
		Timeout: 20 * time.Second,
	})
	sup.Add(watcher)
	if tokens != nil {
		sup.Add(tokens)
	}
	sup.Add(server.NewService(httpServer, 20*time.Second))

	logger.Infof("listening on %s (state directory: %s)", settings.ListenAddr, settings.StateDir)
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("supervisor stopped: %v", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reg.Close(closeCtx)
	if err := q.Save(); err != nil {
		logger.Errorf("save transfer list: %v", err)
	}
	logger.Info("shutdown complete")
}

// validator avoids handing the server a typed nil.
func validator(tokens *auth.TokenStore) server.TokenValidator {
	if tokens == nil {
		return nil
	}
	return tokens
}
