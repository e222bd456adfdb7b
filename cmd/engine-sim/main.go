// Package main is the entry point for the engine simulator. It runs a
// dev state server (or targets an external one), attaches one engine
// client per scripted reader, and drives them through a Lua scenario.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wandertale/engine/internal/api"
	"github.com/wandertale/engine/internal/config"
	"github.com/wandertale/engine/internal/devserver"
	"github.com/wandertale/engine/internal/reading"
	"github.com/wandertale/engine/internal/scenario"
	"github.com/wandertale/engine/internal/statesync"
	"github.com/wandertale/engine/internal/storage"
	"github.com/wandertale/engine/internal/story"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Scenario.Story == "" || cfg.Scenario.Path == "" {
		log.Fatalf("Both -story and -scenario are required")
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}
}

// participant is one scripted reader with its own engine client.
type participant struct {
	reader  scenario.Reader
	manager *reading.Manager
	stream  *api.StateStream
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verbosity := cfg.Verbosity()

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	storyDoc, err := os.ReadFile(cfg.Scenario.Story)
	if err != nil {
		return fmt.Errorf("reading story %s: %w", cfg.Scenario.Story, err)
	}
	st, err := story.Decode(storyDoc)
	if err != nil {
		return fmt.Errorf("decoding story %s: %w", cfg.Scenario.Story, err)
	}

	sc, err := scenario.Load(cfg.Scenario.Path)
	if err != nil {
		return err
	}
	defer sc.Close()

	if cfg.Scenario.Hotload {
		hot, err := scenario.NewHotLoader(sc, verbosity, nil)
		if err != nil {
			return err
		}
		if err := hot.Start(); err != nil {
			return err
		}
		defer hot.Stop()
	}

	baseURL, readingID, shutdown, err := prepareServer(ctx, cfg, store, storyDoc, st, sc)
	if err != nil {
		return err
	}
	defer shutdown()

	log.Printf("Running scenario %q against %s (reading %s)", sc.Name(), baseURL, readingID)

	participants, err := attachParticipants(ctx, cfg, sc, st, baseURL, readingID)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range participants {
			if p.stream != nil {
				p.stream.Close()
			}
			p.manager.Detach()
		}
	}()

	stats := runTicks(ctx, cfg, sc, participants)

	if ctx.Err() == nil && len(participants) > 0 {
		if err := participants[0].manager.CloseReading(ctx); err != nil {
			log.Printf("Closing reading: %v", err)
		}
	}

	log.Printf("Scenario finished: %d pages executed, %d abandoned after collision, %d failed",
		stats.executed, stats.abandoned, stats.failed)
	if stats.failed > 0 {
		return fmt.Errorf("%d page executions failed", stats.failed)
	}
	return nil
}

// prepareServer starts the embedded dev server, or locates an existing
// reading on an external one. The returned shutdown func is always safe
// to call.
func prepareServer(ctx context.Context, cfg *config.Config, store storage.Backend, storyDoc []byte, st *story.Story, sc *scenario.Scenario) (baseURL, readingID string, shutdown func(), err error) {
	shutdown = func() {}

	if cfg.Client.BaseURL != "" {
		readers := sc.Readers()
		if len(readers) == 0 {
			return "", "", shutdown, fmt.Errorf("scenario %q has no readers", sc.Name())
		}
		client := api.NewClient(cfg.Client.BaseURL, api.WithClientVerbosity(cfg.Verbosity()))
		existing, err := client.FetchReadingsForStoryAndUser(ctx, st.ID, readers[0].ID)
		if err != nil {
			return "", "", shutdown, fmt.Errorf("finding a reading on %s: %w", cfg.Client.BaseURL, err)
		}
		if len(existing) == 0 {
			return "", "", shutdown, fmt.Errorf("no reading for story %s and user %s on %s", st.ID, readers[0].ID, cfg.Client.BaseURL)
		}
		return cfg.Client.BaseURL, existing[0].ID, shutdown, nil
	}

	srv := devserver.New(store, devserver.WithVerbosity(cfg.Verbosity()))
	if _, err := srv.AddStory(storyDoc); err != nil {
		return "", "", shutdown, err
	}

	readingID = uuid.NewString()
	if err := srv.CreateReading(readingID, sc.Name(), st.ID); err != nil {
		return "", "", shutdown, err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
	if err != nil {
		return "", "", shutdown, err
	}

	httpSrv := &http.Server{Handler: srv.Handler()}
	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Dev server: %v", err)
		}
	}()

	return "http://" + listener.Addr().String(), readingID, func() { httpSrv.Close() }, nil
}

// attachParticipants builds one client and manager per scripted reader
// and attaches them all to the reading.
func attachParticipants(ctx context.Context, cfg *config.Config, sc *scenario.Scenario, st *story.Story, baseURL, readingID string) ([]*participant, error) {
	verbosity := cfg.Verbosity()

	var participants []*participant
	for _, r := range sc.Readers() {
		client := api.NewClient(baseURL, api.WithClientVerbosity(verbosity))
		manager := reading.NewManager(client, r.ID,
			reading.WithManagerVerbosity(verbosity),
			reading.WithContainerOptions(
				statesync.WithPollInterval(cfg.Client.PollInterval.Duration()),
				statesync.WithVerbosity(verbosity),
			),
		)
		if err := manager.Attach(ctx, st.ID, readingID, true); err != nil {
			return participants, fmt.Errorf("attaching reader %s: %w", r.ID, err)
		}

		p := &participant{reader: r, manager: manager}
		if cfg.Client.Stream {
			stream, err := client.WatchStates(ctx, readingID, manager.Container().ReplaceScopes)
			if err != nil {
				return participants, fmt.Errorf("watching states for reader %s: %w", r.ID, err)
			}
			p.stream = stream
		}
		participants = append(participants, p)

		if r.Role != "" {
			if err := assignRole(ctx, manager, st, r); err != nil {
				log.Printf("Assigning role %q to %s: %v", r.Role, r.ID, err)
			}
		}
	}
	return participants, nil
}

// assignRole pre-seeds a reader's role assignment and pushes it.
func assignRole(ctx context.Context, manager *reading.Manager, st *story.Story, r scenario.Reader) error {
	role := st.Roles.GetByName(r.Role)
	if role == nil {
		return fmt.Errorf("story %s has no role %q", st.ID, r.Role)
	}
	if err := manager.Accessor().Save(story.UserRoleAssignmentRef(r.ID), role.ID); err != nil {
		return err
	}
	_, err := manager.Container().Push(ctx)
	return err
}

type tickStats struct {
	executed  int
	abandoned int
	failed    int
}

// runTicks drives the scenario until its tick limit, until every reader
// idles, or until the context is cancelled.
func runTicks(ctx context.Context, cfg *config.Config, sc *scenario.Scenario, participants []*participant) tickStats {
	var stats tickStats

	for tick := 1; cfg.Scenario.Ticks == 0 || tick <= cfg.Scenario.Ticks; tick++ {
		if ctx.Err() != nil {
			return stats
		}

		idle := true
		for _, p := range participants {
			viewable := p.manager.ViewablePages()
			ids := make([]string, 0, len(viewable))
			for _, page := range viewable {
				ids = append(ids, page.ID)
			}

			pageID, err := sc.NextPage(p.reader.ID, tick, ids)
			if err != nil {
				log.Printf("Tick %d, reader %s: %v", tick, p.reader.ID, err)
				continue
			}
			if pageID == "" {
				continue
			}
			idle = false

			page := p.manager.Story().Pages.Get(pageID)
			if page == nil {
				log.Printf("Tick %d, reader %s: story has no page %q", tick, p.reader.ID, pageID)
				stats.failed++
				continue
			}

			_, err = p.manager.ExecutePageFunctions(ctx, page)
			switch {
			case errors.Is(err, reading.ErrPageNotReadable):
				stats.abandoned++
			case err != nil:
				log.Printf("Tick %d, reader %s, page %s: %v", tick, p.reader.ID, pageID, err)
				stats.failed++
			default:
				stats.executed++
			}
		}

		if idle && cfg.Scenario.Ticks == 0 {
			return stats
		}

		select {
		case <-ctx.Done():
			return stats
		case <-time.After(cfg.Scenario.TickInterval.Duration()):
		}
	}
	return stats
}

// openStorage opens the configured storage backend.
func openStorage(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Type {
	case "memory", "":
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		return storage.NewSQLiteStorage(cfg.Storage.Path)
	case "postgresql", "postgres":
		return storage.NewPostgresStorage(cfg.Storage.URL)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}
