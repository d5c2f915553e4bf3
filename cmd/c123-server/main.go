package main

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/decode"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/handlers"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/hub"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/locator"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/metrics"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/publisher"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/registry"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/source"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/state"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/xmldb"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/config"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/monitoring"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/server"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/version"
)

const serviceName = "c123-server"

func main() {
	config.LoadEnv(nil)
	logger := logging.NewLoggerWithService(serviceName)

	ring := logging.NewRing(logging.DefaultRingSize)
	logger.AddHook(logging.NewRingHook(ring))

	opts, err := config.LoadOptions(logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GitCommit,
		"port":    opts.Port,
	}).Info("Starting live timing gateway")

	store, err := registry.NewStore(opts.SettingsPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Cannot open settings store")
	}
	// Persisted operator choices win over the static configuration.
	if mode, path := store.XMLSource(); mode != "" {
		opts.XMLMode = mode
		if path != "" {
			opts.XMLPath = path
		}
	}

	collector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	gatewayMetrics := metrics.New(collector)

	reg := registry.New(store, logger)
	subscriberHub := hub.NewHub(reg, gatewayMetrics, logger)
	reg.SetPusher(subscriberHub)

	ring.AddListener(func(e logging.Entry) {
		subscriberHub.BroadcastLogEntry(e)
	})

	aggregator := state.NewAggregator(logger)
	hubChanges := aggregator.Subscribe(256)
	publisherChanges := aggregator.Subscribe(256)
	aggregator.SetOnApply(func(rec decode.Record) {
		gatewayMetrics.RecordsApplied.WithLabelValues(string(rec.Kind())).Inc()
		gatewayMetrics.SnapshotVersion.WithLabelValues().Set(float64(aggregator.Snapshot().Version))
	})

	decoder := decode.NewDecoder()

	tcpSource := source.NewTCPSource(opts.TCPHost, opts.TCPPort, logger)
	udpSource := source.NewUDPAnnouncer(opts.UDPPort, logger)

	engineLocator := locator.New("", logger)
	xmlPath := resolveXMLPath(engineLocator, opts)
	xmlSource := source.NewXMLFileSource(xmlPath, opts.WatchMode, opts.PollInterval, opts.Debounce, logger)

	db := xmldb.NewDatabase(xmlSource.Path, logger)
	detector := xmldb.NewChangeDetector()

	pub := publisher.New(opts.PublisherURL, opts.PublisherToken, gatewayMetrics, logger)

	health := monitoring.NewHealthChecker(serviceName, version.Version)
	health.AddCheck("tcp_source", monitoring.SourceHealthCheck("tcp", func() string { return string(tcpSource.Status()) }))
	health.AddCheck("xml_source", monitoring.SourceHealthCheck("xml", func() string { return string(xmlSource.Status()) }))
	health.AddCheck("xml_file", monitoring.FileHealthCheck(xmlSource.Path))
	health.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
		"settings": opts.SettingsPath,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		subscriberHub.Run()
		return nil
	})
	group.Go(func() error {
		aggregator.Run(ctx)
		return nil
	})
	group.Go(func() error {
		tcpSource.Run(ctx)
		return nil
	})
	group.Go(func() error {
		if err := udpSource.Run(ctx); err != nil {
			logger.WithError(err).Warn("UDP announcer unavailable")
		}
		return nil
	})
	group.Go(func() error {
		xmlSource.Run(ctx)
		return nil
	})

	monitor := locator.NewMonitor(engineLocator, 30*time.Second, func() (string, string) {
		mode, manual := store.XMLSource()
		if mode == "" {
			mode = opts.XMLMode
		}
		if manual == "" {
			manual = opts.XMLPath
		}
		return mode, manual
	}, func(result locator.Result, resolved string) {
		if resolved == "" {
			return
		}
		logger.WithField("path", resolved).Info("XML database path changed")
		xmlSource.SetPath(resolved)
	})
	group.Go(func() error {
		monitor.Run(ctx)
		return nil
	})

	group.Go(func() error {
		pub.EnsureEvent(ctx, db.EventName())
		pub.Run(ctx, publisherChanges)
		return nil
	})

	// Ingestion pumps: frames from every source funnel into the decoder
	// and then the aggregator.
	group.Go(func() error {
		pumpTCP(ctx, tcpSource, decoder, aggregator, subscriberHub, gatewayMetrics, logger)
		return nil
	})
	group.Go(func() error {
		pumpUDP(ctx, udpSource, tcpSource, decoder, aggregator, gatewayMetrics, opts, logger)
		return nil
	})
	group.Go(func() error {
		pumpXML(ctx, xmlSource, decoder, aggregator, subscriberHub, pub, detector, gatewayMetrics, logger)
		return nil
	})
	group.Go(func() error {
		pumpChanges(ctx, hubChanges, subscriberHub)
		return nil
	})

	api := &handlers.Handlers{
		Logger:     logger,
		Options:    opts,
		Hub:        subscriberHub,
		Aggregator: aggregator,
		Registry:   reg,
		Store:      store,
		XMLDB:      db,
		Locator:    engineLocator,
		Publisher:  pub,
		Ring:       ring,
		StartedAt:  time.Now().UTC(),
		Sources: func() []source.Info {
			return []source.Info{
				{Name: "tcp", Status: tcpSource.Status(), Detail: tcpSource.Addr()},
				{Name: "udp", Status: udpSource.Status(), Detail: udpSource.DiscoveredHost()},
				{Name: "xml", Status: xmlSource.Status(), Detail: xmlSource.Path()},
			}
		},
		OnXMLConfigChange: func(mode, path string) {
			resolved := engineLocator.Last().Resolve(mode, path)
			if resolved == "" {
				resolved = path
			}
			if resolved != "" {
				xmlSource.SetPath(resolved)
			}
		},
	}

	router := server.SetupRouter(logger, serviceName, health, collector)
	api.Register(router)

	cfg := server.DefaultConfig(serviceName, opts.Port)
	runErr := server.Run(cfg, router, logger, func() {
		// Reverse dependency order: stop accepting pushes, then the
		// pipeline, then the sources and watchers.
		subscriberHub.Stop()
		cancel()
		tcpSource.Stop()
		udpSource.Stop()
		xmlSource.Stop()
		monitor.Stop()
		if err := group.Wait(); err != nil {
			logger.WithError(err).Warn("Pipeline shutdown reported an error")
		}
	})
	if runErr != nil {
		logger.WithError(runErr).Error("Server failed")
		os.Exit(1)
	}
}

// resolveXMLPath picks the initial XML database path for the configured
// mode. Empty is tolerated; the file source reports disconnected until the
// locator monitor finds a path.
func resolveXMLPath(l *locator.Locator, opts config.Options) string {
	if opts.XMLMode == config.XMLModeManual {
		return opts.XMLPath
	}
	result := l.Detect()
	if resolved := result.Resolve(opts.XMLMode, opts.XMLPath); resolved != "" {
		return resolved
	}
	return opts.XMLPath
}

func applyFrame(frame string, origin string, decoder *decode.Decoder, aggregator *state.Aggregator, m *metrics.Metrics, logger logging.Logger) {
	m.FramesReceived.WithLabelValues(origin).Inc()
	records, err := decoder.DecodeFrame(frame)
	if err != nil {
		m.DecodeErrors.WithLabelValues(origin).Inc()
		logger.WithError(err).WithField("source", origin).Warn("Dropping undecodable frame")
		return
	}
	for _, rec := range records {
		aggregator.Apply(rec)
	}
}

func pumpTCP(ctx context.Context, tcp *source.TCPSource, decoder *decode.Decoder, aggregator *state.Aggregator, h *hub.Hub, m *metrics.Metrics, logger logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-tcp.Messages():
			if !ok {
				return
			}
			applyFrame(frame, "tcp", decoder, aggregator, m, logger)
		case status, ok := <-tcp.StatusChanges():
			if !ok {
				return
			}
			up := 0.0
			if status == source.StatusConnected {
				up = 1.0
			}
			m.SourceUp.WithLabelValues("tcp").Set(up)
		case err, ok := <-tcp.Errors():
			if !ok {
				return
			}
			h.Broadcast(hub.TypeError, map[string]string{"source": "tcp", "error": err.Error()}, "")
		}
	}
}

func pumpUDP(ctx context.Context, udp *source.UDPAnnouncer, tcp *source.TCPSource, decoder *decode.Decoder, aggregator *state.Aggregator, m *metrics.Metrics, opts config.Options, logger logging.Logger) {
	// Both one-shot channels are nil'ed once spent so the closed channel
	// does not spin the select.
	discovered := udp.Discovered()
	timeout := udp.Timeout()
	for {
		select {
		case <-ctx.Done():
			return
		case dgram, ok := <-udp.Messages():
			if !ok {
				return
			}
			applyFrame(dgram.Frame, "udp", decoder, aggregator, m, logger)
		case host, ok := <-discovered:
			if !ok {
				discovered = nil
				continue
			}
			if opts.AutoDiscovery && host != "" {
				logger.WithField("host", host).Info("Timing engine discovered, repointing TCP source")
				tcp.SetHost(host, opts.TCPPort)
			}
		case <-timeout:
			timeout = nil
			logger.Warn("No engine announcement received within the discovery window")
		}
	}
}

func pumpXML(ctx context.Context, xml *source.XMLFileSource, decoder *decode.Decoder, aggregator *state.Aggregator, h *hub.Hub, pub *publisher.Publisher, detector *xmldb.ChangeDetector, m *metrics.Metrics, logger logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-xml.Frames():
			if !ok {
				return
			}
			if ev := detector.Detect(frame); ev != nil {
				for _, section := range ev.Sections {
					m.XMLChanges.WithLabelValues(section).Inc()
				}
				h.BroadcastXmlChange(ev.Sections, ev.Checksum)
				pub.NotifyXMLChange(*ev)
			}
			applyFrame(frame, "xml", decoder, aggregator, m, logger)
		case status, ok := <-xml.StatusChanges():
			if !ok {
				return
			}
			up := 0.0
			if status == source.StatusConnected {
				up = 1.0
			}
			m.SourceUp.WithLabelValues("xml").Set(up)
		case err, ok := <-xml.Errors():
			if !ok {
				return
			}
			h.Broadcast(hub.TypeError, map[string]string{"source": "xml", "error": err.Error()}, "")
		}
	}
}

// pumpChanges pushes every applied record to the subscribers as its own
// envelope type.
func pumpChanges(ctx context.Context, changes <-chan state.Change, h *hub.Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			switch rec := change.Record.(type) {
			case decode.TimeOfDay:
				h.Broadcast(hub.TypeTimeOfDay, rec, "")
			case decode.OnCourse:
				h.Broadcast(hub.TypeOnCourse, change.Snapshot.OnCourse, "")
			case decode.Results:
				h.Broadcast(hub.TypeResults, rec, rec.RaceID)
			case decode.RaceConfig:
				h.Broadcast(hub.TypeRaceConfig, rec, "")
			case decode.Schedule:
				h.Broadcast(hub.TypeSchedule, rec, "")
			}
		}
	}
}
