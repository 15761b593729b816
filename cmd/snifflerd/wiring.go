package main

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/command"
	"github.com/sniffler/sniffler-core/internal/config"
	"github.com/sniffler/sniffler-core/internal/events"
	"github.com/sniffler/sniffler-core/internal/metrics"
	"github.com/sniffler/sniffler-core/internal/mockstore"
	"github.com/sniffler/sniffler-core/internal/model"
	"github.com/sniffler/sniffler-core/internal/persistence"
	"github.com/sniffler/sniffler-core/internal/runtime"
)

// app bundles every long-lived component a sniffler process needs,
// assembled once at startup and handed to the cobra commands.
type app struct {
	cfg     config.Config
	bus     *events.Bus
	mocks   *mockstore.Store
	store   *persistence.Store
	manager *runtime.Manager
	surface *command.Surface
	metrics *metrics.Registry
	logger  *zap.Logger
}

func newApp(logger *zap.Logger, dataDir string) (*app, error) {
	cfg, err := config.Load("sniffler", dataDir)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	bus := events.NewBus()
	store := persistence.New(cfg.DataDir, logger)
	mocks := mockstore.New(bus, logger, cfg.MaxMocksPerPort)
	manager := runtime.NewManager(logger, bus, mocks, cfg.Settings, cfg.Settings.MaxRequestHistory)
	surface := command.New(manager, mocks, store)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	reg.Subscribe(bus)

	a := &app{cfg: cfg, bus: bus, mocks: mocks, store: store, manager: manager, surface: surface, metrics: reg, logger: logger}
	if err := a.hydrate(); err != nil {
		logger.Warn("continuing with partial state after hydrate error", zap.Error(err))
	}
	return a, nil
}

// hydrate loads settings, every proxies file (top-level, database/,
// outgoing/), and each recreated listener's mocks and request history
// from the sniffler-data directory. A missing or corrupt file yields
// default/empty state rather than failing startup.
func (a *app) hydrate() error {
	now := time.Now().UnixMilli()

	settings := a.manager.Settings()
	if err := a.store.Load(persistence.Paths.Settings, &settings, now); err != nil {
		a.logger.Warn("failed to load settings.json", zap.Error(err))
	}
	a.manager.UpdateSettings(func(cur *model.Settings) { *cur = settings })

	var proxies []model.Listener
	for _, file := range []string{
		persistence.Paths.Proxies,
		persistence.Paths.DatabaseProxies,
		persistence.Paths.OutgoingProxies,
	} {
		var batch []model.Listener
		if err := a.store.Load(file, &batch, now); err != nil {
			a.logger.Warn("failed to load proxies file", zap.String("file", file), zap.Error(err))
			continue
		}
		proxies = append(proxies, batch...)
	}

	for _, lc := range proxies {
		if _, err := a.manager.Create(lc); err != nil {
			a.logger.Warn("failed to recreate persisted listener", zap.Int("port", lc.Port), zap.Error(err))
			continue
		}
		files := persistence.FilesFor(lc)

		var mocks []*model.Mock
		if err := a.store.Load(files.Mocks, &mocks, now); err != nil {
			a.logger.Warn("failed to load mocks", zap.Int("port", lc.Port), zap.Error(err))
		}
		// Outgoing (and coalesced database) mock files hold entries for
		// several listeners; keep only this listener's.
		var own []*model.Mock
		for _, m := range mocks {
			if m.ListenerPort == lc.Port {
				own = append(own, m)
			}
		}
		if len(own) > 0 {
			a.mocks.LoadPort(lc.Port, own)
		}

		var ops []*model.Operation
		if err := a.store.Load(files.Requests, &ops, now); err != nil {
			a.logger.Warn("failed to load request history", zap.Int("port", lc.Port), zap.Error(err))
		}
		if len(ops) > 0 {
			if err := a.manager.LoadHistory(lc.Port, ops); err != nil {
				a.logger.Warn("failed to seed request history", zap.Int("port", lc.Port), zap.Error(err))
			}
		}
	}
	return nil
}

// persistAll writes settings plus every listener's configuration,
// mocks, and request history back to disk, dispatching each listener
// to the top-level, database/, or outgoing/ subtree by protocol and
// outgoing flag. Used on graceful shutdown and after mutating
// commands.
func (a *app) persistAll() {
	stamp := time.Now().UTC().Format(time.RFC3339)

	if err := a.store.Save(persistence.Paths.Settings, a.manager.Settings(), stamp); err != nil {
		a.logger.Warn("failed to persist settings.json", zap.Error(err))
	}

	// Empty groups are written too, so a removed listener disappears
	// from its proxies file instead of lingering.
	byProxiesFile := map[string][]model.Listener{
		persistence.Paths.Proxies:         nil,
		persistence.Paths.DatabaseProxies: nil,
		persistence.Paths.OutgoingProxies: nil,
	}
	var outgoingMocks, databaseMocks []*model.Mock
	systems := make(map[string]model.System)

	for _, l := range a.manager.List() {
		files := persistence.FilesFor(l)
		byProxiesFile[files.Proxies] = append(byProxiesFile[files.Proxies], l)

		mocks := a.mocks.List(l.Port)
		switch {
		case l.Outgoing:
			outgoingMocks = append(outgoingMocks, mocks...)
			id := persistence.SystemID(l)
			systems[id] = model.System{ID: id, Host: l.UpstreamHost, Port: l.UpstreamPort}
		case l.Protocol.Database():
			databaseMocks = append(databaseMocks, mocks...)
			if err := a.store.Save(files.Mocks, mocks, stamp); err != nil {
				a.logger.Warn("failed to persist mocks", zap.Int("port", l.Port), zap.Error(err))
			}
		default:
			if err := a.store.Save(files.Mocks, mocks, stamp); err != nil {
				a.logger.Warn("failed to persist mocks", zap.Int("port", l.Port), zap.Error(err))
			}
		}

		ops, err := a.manager.History(l.Port)
		if err != nil {
			continue
		}
		if err := a.store.Save(files.Requests, ops, stamp); err != nil {
			a.logger.Warn("failed to persist request history", zap.Int("port", l.Port), zap.Error(err))
		}
	}

	for file, group := range byProxiesFile {
		if err := a.store.Save(file, group, stamp); err != nil {
			a.logger.Warn("failed to persist proxies file", zap.String("file", file), zap.Error(err))
		}
	}
	if err := a.store.Save(persistence.Paths.OutgoingMocks, outgoingMocks, stamp); err != nil {
		a.logger.Warn("failed to persist outgoing mocks", zap.Error(err))
	}
	if err := a.store.Save(persistence.Paths.DatabaseMocksAll, databaseMocks, stamp); err != nil {
		a.logger.Warn("failed to persist coalesced database mocks", zap.Error(err))
	}

	sys := make([]model.System, 0, len(systems))
	for _, s := range systems {
		sys = append(sys, s)
	}
	sort.Slice(sys, func(i, j int) bool { return sys[i].ID < sys[j].ID })
	if err := a.store.Save(persistence.Paths.OutgoingSystems, sys, stamp); err != nil {
		a.logger.Warn("failed to persist systems.json", zap.Error(err))
	}
}
