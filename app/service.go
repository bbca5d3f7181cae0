// Package app wires the dispatch core to its infrastructure: stores,
// transports, metrics and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kilianp07/freightd/api"
	"github.com/kilianp07/freightd/config"
	"github.com/kilianp07/freightd/core/allocation"
	"github.com/kilianp07/freightd/core/clock"
	"github.com/kilianp07/freightd/core/geo"
	coremetrics "github.com/kilianp07/freightd/core/metrics"
	"github.com/kilianp07/freightd/core/notify"
	"github.com/kilianp07/freightd/core/pricing"
	"github.com/kilianp07/freightd/core/registry"
	"github.com/kilianp07/freightd/core/store"
	"github.com/kilianp07/freightd/core/tracking"
	"github.com/kilianp07/freightd/infra/audit"
	"github.com/kilianp07/freightd/infra/logger"
	"github.com/kilianp07/freightd/infra/metrics"
	"github.com/kilianp07/freightd/infra/mqtt"
	"github.com/kilianp07/freightd/infra/sms"
	infrastore "github.com/kilianp07/freightd/infra/store"
	"github.com/kilianp07/freightd/internal/eventbus"
)

// Service composes the freight dispatch daemon.
type Service struct {
	Registry   *registry.Registry
	Engine     *allocation.Engine
	Dispatcher *notify.Dispatcher
	Stream     *tracking.Stream
	Supply     *geo.GridIndex

	cfg        *config.Config
	bus        *eventbus.Bus
	log        logger.Logger
	mqttClient *mqtt.PahoClient
	redis      *infrastore.Redis
	auditStore *audit.JSONLStore
	recorder   *audit.Recorder
	alerter    *Alerter
	httpSrv    *http.Server
}

type stores struct {
	broadcasts   store.BroadcastStore
	reservations store.ReservationStore
	assignments  store.AssignmentStore
	sessions     store.SessionStore
	positions    store.PositionLog
}

func buildStores(cfg config.StoreConfig) (stores, *infrastore.Redis, error) {
	if cfg.Backend == "redis" {
		r, err := infrastore.NewRedis(cfg.RedisURL)
		if err != nil {
			return stores{}, nil, fmt.Errorf("redis store: %w", err)
		}
		return stores{
			broadcasts:   r,
			reservations: r.Reservations(),
			assignments:  r.Assignments(),
			sessions:     r.Sessions(),
			positions:    r.Positions(),
		}, r, nil
	}
	m := infrastore.NewMemory()
	return stores{
		broadcasts:   m,
		reservations: m.Reservations(),
		assignments:  m.Assignments(),
		sessions:     m.Sessions(),
		positions:    m.Positions(),
	}, nil, nil
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")
	clk := clock.New()
	bus := eventbus.New()

	st, redisStore, err := buildStores(cfg.Store)
	if err != nil {
		return nil, err
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusAddr != "" {
		sink, err := metrics.NewPromSink()
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxURL != "" {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket))
	}
	var sink coremetrics.Sink
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = coremetrics.NewMultiSink(sinks...)
	}

	reg := registry.New(cfg.Registry, st.broadcasts, st.reservations, clk, bus, pricing.DefaultTariffs(), logger.New("registry"))
	eng := allocation.New(cfg.Allocation, reg, st.assignments, clk, bus, sink, logger.New("allocation"))
	stream := tracking.New(cfg.Tracking, st.sessions, st.positions, clk, bus, logger.New("tracking"))

	var mqttClient *mqtt.PahoClient
	var channels []notify.Channel
	if cfg.MQTT.Broker != "" {
		mqttClient, err = mqtt.NewPahoClient(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		alertCh, err := mqtt.NewAlertChannel(mqttClient)
		if err != nil {
			return nil, err
		}
		channels = append(channels, alertCh)
	}
	if cfg.SMS.URL != "" {
		smsCh, err := sms.New(cfg.SMS)
		if err != nil {
			return nil, fmt.Errorf("sms channel: %w", err)
		}
		channels = append(channels, smsCh)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no notification channel configured: set mqtt.broker or sms.url")
	}

	disp, err := notify.New(cfg.Notify, channels, st.assignments, reg, clk, bus, logger.New("notify"))
	if err != nil {
		return nil, err
	}

	// Late wiring breaks the dependency cycles between the core components.
	reg.SetCascade(eng)
	eng.SetNotifier(disp)
	eng.SetSessionOpener(stream)
	disp.SetResolver(eng)
	if mqttClient != nil {
		mqttClient.SetResponder(disp)
		mqttClient.SetPositionSink(stream)
	}

	supply := geo.NewGridIndex()
	alerter := NewAlerter(supply, bus, logger.New("alerter"))

	var auditStore *audit.JSONLStore
	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		auditStore, err = audit.NewJSONLStore(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		recorder = audit.NewRecorder(auditStore, bus, clk, logger.New("audit"))
	}

	handler := api.New(reg, eng, disp, stream, supply, auditStore, logger.New("api"))
	srv := &http.Server{Addr: cfg.API.Addr, Handler: handler.Mux()}

	return &Service{
		Registry:   reg,
		Engine:     eng,
		Dispatcher: disp,
		Stream:     stream,
		Supply:     supply,
		cfg:        cfg,
		bus:        bus,
		log:        logg,
		mqttClient: mqttClient,
		redis:      redisStore,
		auditStore: auditStore,
		recorder:   recorder,
		alerter:    alerter,
		httpSrv:    srv,
	}, nil
}

// Run starts the background loops and the HTTP listener, blocking until
// the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.Registry.RunSweeper(ctx, time.Duration(s.cfg.Registry.SweepIntervalSeconds)*time.Second)
	go s.alerter.Run(ctx)
	if s.recorder != nil {
		go s.recorder.Run(ctx)
	}
	if s.cfg.Metrics.PrometheusAddr != "" {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("http shutdown: %v", err)
		}
	}()

	s.log.Infof("listening on %s", s.cfg.API.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	s.bus.Close()
	var err error
	if s.auditStore != nil {
		err = s.auditStore.Close()
	}
	if s.redis != nil {
		if cerr := s.redis.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
