package app

import (
	"context"
	"errors"
	"fmt"

	"mediacast/internal/broker"
	"mediacast/internal/config"
	"mediacast/internal/media"
	"mediacast/internal/worker"
	"mediacast/pkg/logx"
)

var ErrNoBroker = errors.New("broker.url is not set")

// WorkerApp is the remote worker role.
type WorkerApp struct {
	cfgm   *config.ConfigManager
	log    logx.Logger
	logs   *logx.Service
	worker *worker.Worker
}

func NewWorkerApp(cfgPath string) (*WorkerApp, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	lc := mapLogConfig(cfg)
	lc.Alert.Enabled = false
	logs, root := logx.New(lc, nil)

	b, err := openBroker(cfg, root)
	if err != nil {
		return nil, err
	}
	wc, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	mc, err := mapMediaConfig(cfg)
	if err != nil {
		return nil, err
	}
	w := worker.New(wc, b, media.NewExecFetcher(mc, root.With(logx.String("comp", "media"))), root.With(logx.String("comp", "worker")))
	return &WorkerApp{cfgm: cfgm, log: root, logs: logs, worker: w}, nil
}

// Run serves until ctx ends. Logging follows config reloads.
func (w *WorkerApp) Run(ctx context.Context) error {
	w.cfgm.SetLogger(w.log.With(logx.String("comp", "config")))
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := w.cfgm.Subscribe(2)
	go func() {
		defer w.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-wctx.Done():
				return
			case cfg := <-sub:
				lc := mapLogConfig(cfg)
				lc.Alert.Enabled = false
				w.logs.Apply(lc)
			}
		}
	}()
	go func() { _ = w.cfgm.Watch(wctx) }()

	err := w.worker.Run(ctx)
	_ = w.logs.Close()
	return err
}

// Enqueue pushes one task onto the shared list, for operational testing.
func Enqueue(ctx context.Context, cfgPath string, t broker.Task) (string, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return "", err
	}
	b, err := openBroker(cfg, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return "", err
	}
	if err := b.Connect(ctx); err != nil {
		return "", err
	}
	defer b.Close(context.WithoutCancel(ctx))
	return b.AddTask(ctx, t)
}

func openBroker(cfg *config.Config, log logx.Logger, opts ...broker.Option) (*broker.Broker, error) {
	if cfg.Broker.URL == "" {
		return nil, ErrNoBroker
	}
	bc, err := mapBrokerConfig(cfg)
	if err != nil {
		return nil, err
	}
	tr, err := broker.NewRedis(cfg.Broker.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	opts = append([]broker.Option{broker.WithLogger(log.With(logx.String("comp", "broker")))}, opts...)
	return broker.New(bc, tr, opts...), nil
}
