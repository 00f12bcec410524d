// Package headstart is the top-level entry point for the Headstart service.
//
// Use the Builder to compose an application:
//
//	app, err := headstart.NewBuilder().WithConfig(cfg).Build()
//	app.Start(ctx)
//
// Or swap components out:
//
//	app, err := headstart.NewBuilder().
//	    WithStore(myGateway).
//	    WithNotifier(myNotifier).
//	    Build()
package headstart

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/an-siuu-man/headstart/config"
	"github.com/an-siuu-man/headstart/engine"
	"github.com/an-siuu-man/headstart/httpapi"
	"github.com/an-siuu-man/headstart/notify"
	"github.com/an-siuu-man/headstart/runtime"
	"github.com/an-siuu-man/headstart/store"
	sqliteStore "github.com/an-siuu-man/headstart/store/sqlite"
	"github.com/an-siuu-man/headstart/upstream"
)

// Builder constructs a Headstart App.
type Builder struct {
	config   *config.Config
	store    store.Gateway
	rt       *runtime.Store
	client   *upstream.Client
	notifier engine.Notifier
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the persistence gateway implementation.
func (b *Builder) WithStore(s store.Gateway) *Builder {
	b.store = s
	return b
}

// WithRuntime sets the runtime session store.
func (b *Builder) WithRuntime(rt *runtime.Store) *Builder {
	b.rt = rt
	return b
}

// WithUpstream sets the upstream stream client.
func (b *Builder) WithUpstream(c *upstream.Client) *Builder {
	b.client = c
	return b
}

// WithNotifier sets the terminal-state notifier.
func (b *Builder) WithNotifier(n engine.Notifier) *Builder {
	b.notifier = n
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if b.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		b.config = cfg
	}

	if b.store == nil {
		path := b.config.DatabasePath
		if path == "" {
			path = filepath.Join(b.config.DataDir, "headstart.db")
		}
		st, err := sqliteStore.New(path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		b.store = st
	}
	if b.rt == nil {
		b.rt = runtime.NewStore()
	}
	if b.client == nil {
		if b.config.AgentURL == "" {
			return nil, fmt.Errorf("HEADSTART_AGENT_URL is required")
		}
		b.client = upstream.New(b.config.AgentURL, b.config.AgentTimeout)
	}
	if b.notifier == nil && b.config.SlackEnabled() {
		if n := notify.NewSlack(b.config.SlackToken, b.config.SlackChannel); n != nil {
			b.notifier = n
		}
	}

	eng := engine.New(b.store, b.rt, b.client, b.notifier)
	handler := httpapi.New(eng)

	return &App{
		config:  b.config,
		engine:  eng,
		handler: handler,
	}, nil
}

// App is a running Headstart application.
type App struct {
	config  *config.Config
	engine  *engine.Engine
	handler *httpapi.Handler
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Start starts the HTTP server. Blocks until ctx is done.
func (a *App) Start(ctx context.Context) error {
	a.engine.Start(ctx)

	srv := &http.Server{
		Addr:    a.config.ServerAddr,
		Handler: a.handler.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Headstart server listening on %s", a.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	a.engine.Stop()
	return a.engine.Store().Close()
}
