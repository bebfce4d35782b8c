package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/elderdiet/activitysync/internal/config"
	"github.com/elderdiet/activitysync/internal/credential"
	"github.com/elderdiet/activitysync/internal/device"
	"github.com/elderdiet/activitysync/internal/eventqueue"
	"github.com/elderdiet/activitysync/internal/pushchannel"
	"github.com/elderdiet/activitysync/internal/recordstore"
	"github.com/elderdiet/activitysync/internal/syncclient"
	"github.com/elderdiet/activitysync/internal/tracking"
)

const (
	sessionRecordKey = "session"
	deviceRecordKey  = "device"
)

type runOptions struct {
	MetricsAddr       string
	HeartbeatInterval time.Duration
	HeartbeatJitter   float64
}

// app holds one fully wired client.
type app struct {
	cfg config.Config
	log zerolog.Logger
	out io.Writer

	queue     eventqueue.Queue
	stores    []recordstore.Store
	creds     credential.Source
	worker    *syncclient.Worker
	registrar *device.Registrar
	listener  *pushchannel.Listener
	core      *tracking.Core

	outMu sync.Mutex
	wg    sync.WaitGroup
}

func newApp(cfg config.Config, logger zerolog.Logger, out io.Writer) (*app, error) {
	a := &app{cfg: cfg, log: logger, out: out}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	queue, err := eventqueue.BuildFromDSN(cfg.QueueDSN, cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	a.queue = queue
	sessionStore, err := a.openRecord(sessionRecordKey)
	if err != nil {
		return nil, err
	}
	deviceStore, err := a.openRecord(deviceRecordKey)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.TokenFile) != "" {
		a.creds = credential.NewFileSource(cfg.TokenFile, logger)
	} else {
		a.creds = credential.NewStaticSource(cfg.Token)
	}

	retry := syncclient.RetryPolicy{
		Base:                cfg.Retry.Base,
		Max:                 cfg.Retry.Max,
		Multiplier:          cfg.Retry.Multiplier,
		RandomizationFactor: cfg.Retry.Jitter,
	}
	client := syncclient.NewHTTPClient(cfg.BaseURL, a.creds, &http.Client{Timeout: cfg.RequestTimeout})
	a.worker = syncclient.NewWorker(queue, client, syncclient.WorkerOptions{
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.FlushInterval,
		RequestTimeout: cfg.RequestTimeout,
		Retry:          retry,
		Logger:         logger,
	})

	attrs := device.HostAttributes()
	a.registrar, err = device.NewRegistrar(device.Options{
		Client:     client,
		Store:      deviceStore,
		Identity:   device.NewStaticIdentity(cfg.DeviceToken),
		Attributes: device.HostAttributes,
		AppVersion: cfg.AppVersion,
		Retry:      retry,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	a.listener, err = pushchannel.NewListener(pushchannel.Options{
		URL:         cfg.StreamURL,
		Credentials: a.creds,
		DeviceToken: func() string { return a.registrar.Registration().DeviceToken },
		Settings:    func() syncclient.PushSettings { return a.registrar.Registration().Settings },
		Retry:       retry,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.listener.HandleDefault(func(_ context.Context, n pushchannel.Notification) {
		a.printf("notification [%s] %s: %s\n", n.Type, n.Title, n.Body)
	})

	a.core, err = tracking.NewCore(tracking.CoreOptions{
		Queue:        queue,
		SessionStore: sessionStore,
		Worker:       a.worker,
		Device:       a.registrar,
		DeviceInfo: tracking.DeviceInfo{
			DeviceType:  attrs.Platform,
			DeviceModel: attrs.Model,
			OSVersion:   attrs.OSVersion,
			AppVersion:  cfg.AppVersion,
			UserAgent:   cfg.UserAgent,
		},
		BatchSize:     cfg.BatchSize,
		FlushDebounce: cfg.FlushDebounce,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) openRecord(key string) (recordstore.Store, error) {
	store, err := recordstore.BuildFromDSN(a.cfg.StateDSN, key)
	if err != nil {
		return nil, fmt.Errorf("open %s record: %w", key, err)
	}
	a.stores = append(a.stores, store)
	return store, nil
}

// start launches the background loops. They stop when ctx ends; Close waits
// for them.
func (a *app) start(ctx context.Context, opts runOptions) {
	a.goLoop(func() {
		if err := a.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error().Err(err).Msg("sync worker stopped")
		}
	})
	a.goLoop(func() {
		if err := a.listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error().Err(err).Msg("push listener stopped")
		}
	})
	if fileSource, ok := a.creds.(*credential.FileSource); ok {
		if err := fileSource.Watch(ctx, a.worker.CredentialChanged); err != nil {
			a.log.Warn().Err(err).Msg("credential file watch unavailable")
		}
	}
	if opts.HeartbeatInterval > 0 {
		a.goLoop(func() { a.heartbeatLoop(ctx, opts.HeartbeatInterval, opts.HeartbeatJitter) })
	}
	if opts.MetricsAddr != "" {
		a.serveMetrics(ctx, opts.MetricsAddr)
	}
}

func (a *app) goLoop(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *app) heartbeatLoop(ctx context.Context, interval time.Duration, jitter float64) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := <-a.registrar.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn().Err(err).Msg("device heartbeat failed")
			}
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func (a *app) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.worker.Metrics().Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	a.goLoop(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("metrics server failed")
		}
	})
	a.goLoop(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
	a.log.Info().Str("addr", addr).Msg("metrics listening")
}

func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) Close() error {
	a.wg.Wait()
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	for _, store := range a.stores {
		errs = append(errs, store.Close())
	}
	return errors.Join(errs...)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by ±jitterRatio; sample in [0,1]
// picks the point in that range.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return base
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = clampJitterRatio(sample)
	factor := 1 + (sample*2-1)*jitterRatio
	return time.Duration(float64(base) * factor)
}
