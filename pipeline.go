package motion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-motion/internal/activity"
	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/config"
	"github.com/e7canasta/orion-motion/internal/control"
	"github.com/e7canasta/orion-motion/internal/emitter"
	"github.com/e7canasta/orion-motion/internal/framebuffer"
	"github.com/e7canasta/orion-motion/internal/loop"
	"github.com/e7canasta/orion-motion/internal/playback"
	"github.com/e7canasta/orion-motion/internal/server"
	"github.com/e7canasta/orion-motion/internal/snapshot"
)

// ErrRunning is returned by Run on a pipeline that is already running.
var ErrRunning = errors.New("motion: pipeline is already running")

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfigPath enables hot reload of the compare section from path.
func WithConfigPath(path string) Option {
	return func(p *Pipeline) { p.configPath = path }
}

// Pipeline is the main service orchestrator
type Pipeline struct {
	cfg        *config.Config
	source     Source
	configPath string

	// Core components
	buffer  *framebuffer.Buffer
	ctrl    *playback.Controller
	metrics *compare.Metrics
	loop    *loop.Loop
	series  *activity.Series

	// Consumers, nil when disabled
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	hub            *server.Hub
	server         *server.Server
	snapshots      *snapshot.Writer

	stopped chan loop.Stopped
	unsubs  []func()

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	runCtx    context.Context
	cancelCtx context.CancelFunc
}

// New builds a pipeline over src. Nothing is opened or started until Run.
func New(cfg *config.Config, src Source, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("motion: config is required")
	}
	if src.Feed == nil || src.Prober == nil {
		return nil, fmt.Errorf("motion: source needs a feed and a prober")
	}

	buf, err := framebuffer.New(cfg.Buffer.Capacity, cfg.Buffer.LowWater)
	if err != nil {
		return nil, fmt.Errorf("motion: %w", err)
	}

	width, height := cfg.Video.Width, cfg.Video.Height
	if src.Name == "raw" {
		// Raw input is never rescaled.
		width, height = cfg.Video.Raw.Width, cfg.Video.Raw.Height
	}
	ctrl, err := playback.New(playback.Config{
		Feed:        src.Feed,
		Prober:      src.Prober,
		Buffer:      buf,
		Quality:     cfg.Video.Quality,
		Width:       width,
		Height:      height,
		PlayEndTime: cfg.Video.EndTime(),
	})
	if err != nil {
		return nil, fmt.Errorf("motion: %w", err)
	}

	metrics := compare.NewMetrics(cfg.Compare.HistorySize)
	comparator := compare.New(
		compare.WithWorkers(cfg.Compare.Workers),
		compare.WithMetrics(metrics),
	)
	lp, err := loop.New(ctrl, comparator,
		loop.WithThreshold(cfg.Compare.Threshold),
		loop.WithROI(cfg.Compare.ROI),
		loop.WithShowMotion(cfg.Compare.ShowMotion),
		loop.WithShadeRadius(cfg.Compare.ShadeRadius),
	)
	if err != nil {
		return nil, fmt.Errorf("motion: %w", err)
	}

	p := &Pipeline{
		cfg:     cfg,
		source:  src,
		buffer:  buf,
		ctrl:    ctrl,
		metrics: metrics,
		loop:    lp,
		series:  activity.New(activity.DefaultWindow),
		stopped: make(chan loop.Stopped, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.MQTT.Enabled {
		p.emitter = emitter.NewMQTTEmitter(cfg.MQTT, emitter.DefaultQueueSize)
	}
	if cfg.Server.Enabled {
		p.hub = server.NewHub()
		p.server = server.New(cfg.Server.Addr, p, p.series, p.hub)
	}
	if cfg.Snapshots.Enabled {
		if p.snapshots, err = snapshot.New(cfg.Snapshots); err != nil {
			return nil, fmt.Errorf("motion: %w", err)
		}
	}

	p.unsubs = append(p.unsubs,
		lp.OnFrameCompared(p.onFrameCompared),
		lp.OnStopped(p.onStopped),
	)
	return p, nil
}

// Run opens the video, starts every enabled consumer and the comparison
// loop, and blocks until ctx is cancelled. Without a control plane, Run also
// returns when the video has been compared to the end, or with the error
// that stopped the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return ErrRunning
	}
	p.isRunning = true
	p.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.runCtx = ctx
	p.cancelCtx = cancel
	p.mu.Unlock()

	slog.Info("motion: pipeline starting",
		"instance_id", p.cfg.InstanceID,
		"video", p.cfg.Video.Path,
		"backend", p.source.Name,
	)

	if err := p.ctrl.Open(ctx, p.cfg.Video.Path); err != nil {
		return fmt.Errorf("motion: open video: %w", err)
	}
	if err := p.seekToStart(); err != nil {
		return err
	}

	if p.emitter != nil {
		if err := p.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("motion: connect mqtt: %w", err)
		}
		p.emitter.Start(ctx)

		p.controlHandler = control.NewHandler(p.cfg.MQTT, p.emitter.Client, control.CommandCallbacks{
			OnGetStatus:     p.getStatus,
			OnPause:         p.Pause,
			OnResume:        p.Resume,
			OnStop:          p.Stop,
			OnSeek:          p.Seek,
			OnSetThreshold:  p.loop.SetThreshold,
			OnSetROI:        p.loop.SetROI,
			OnSetShowMotion: p.setShowMotion,
		})
		if err := p.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("motion: start control plane: %w", err)
		}
	}

	if p.snapshots != nil {
		p.snapshots.Start(ctx)
	}

	if p.server != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.server.Run(ctx, p.ShutdownTimeout()); err != nil {
				slog.Error("motion: status server failed", "error", err)
			}
		}()
	}

	if p.configPath != "" {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := config.Watch(ctx, p.configPath, p.applyConfig); err != nil {
				slog.Warn("motion: hot reload disabled", "error", err)
			}
		}()
	}

	if err := p.loop.Start(ctx); err != nil {
		return fmt.Errorf("motion: start loop: %w", err)
	}

	slog.Info("motion: pipeline running",
		"mqtt", p.emitter != nil,
		"server", p.server != nil,
		"snapshots", p.snapshots != nil,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("motion: pipeline run loop exiting")
			return nil
		case s := <-p.stopped:
			if p.controlHandler != nil || p.server != nil {
				// Someone may still resume or inspect the run.
				continue
			}
			if s.Reason == loop.Error {
				return fmt.Errorf("motion: comparison stopped: %w", s.Err)
			}
			return nil
		}
	}
}

// seekToStart positions the loop so the first decoded frame is the one at
// the configured start offset.
func (p *Pipeline) seekToStart() error {
	start := p.cfg.Video.StartTime()
	info := p.ctrl.VideoInfo()
	if start <= 0 || info.FrameCount == 0 {
		return nil
	}
	index := int(start.Seconds()*info.FPS + 0.5)
	if index <= 0 {
		return nil
	}
	if err := p.loop.SeekTo(float64(index-1) / float64(info.FrameCount)); err != nil {
		return fmt.Errorf("motion: seek to start: %w", err)
	}
	return nil
}

func (p *Pipeline) onFrameCompared(r *compare.Result) {
	p.series.AddResult(r)

	session := p.loop.SessionID()
	if p.emitter != nil {
		p.emitter.PublishResult(session, r)
	}
	if p.hub != nil {
		if payload, err := emitter.NewResultMessage(session, r).JSON(); err == nil {
			p.hub.Broadcast(payload)
		}
	}
	if p.snapshots != nil {
		p.snapshots.Offer(r)
	}

	slog.Debug("motion: frame compared",
		"frame", r.FrameIndex,
		"changed_pixels", r.ChangedPixelsCount,
		"elapsed", r.Elapsed,
	)
}

func (p *Pipeline) onStopped(s loop.Stopped) {
	if p.emitter != nil {
		p.emitter.PublishStopped(s)
	}
	if p.hub != nil {
		if payload, err := emitter.NewStoppedMessage(s).JSON(); err == nil {
			p.hub.Broadcast(payload)
		}
	}

	summary := p.series.Summary()
	slog.Info("motion: run finished",
		"session_id", s.SessionID,
		"reason", s.Reason.String(),
		"last_frame", s.LastFrame,
		"compared", summary.Count,
		"mean_changed", summary.Mean,
		"max_changed", summary.Max,
		"max_frame", summary.MaxFrame,
	)

	select {
	case p.stopped <- s:
	default:
	}
}

// Shutdown performs graceful shutdown of all components
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancelCtx
	p.mu.Unlock()

	slog.Info("motion: shutting down pipeline")

	// 1. Stop the loop and the feed; no more results after this.
	p.loop.Stop()

	// 2. Stop control plane
	if p.controlHandler != nil {
		if err := p.controlHandler.Stop(); err != nil {
			slog.Error("motion: failed to stop control handler", "error", err)
		}
	}

	// 3. Cancel the run and wait for background goroutines
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		if p.snapshots != nil {
			p.snapshots.Wait()
		}
		if p.emitter != nil {
			p.emitter.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("motion: shutdown: %w", ctx.Err())
	}

	// 4. Disconnect MQTT
	if p.emitter != nil {
		if err := p.emitter.Disconnect(); err != nil {
			slog.Error("motion: failed to disconnect mqtt", "error", err)
		}
	}

	for _, unsub := range p.unsubs {
		unsub()
	}

	p.mu.Lock()
	uptime := time.Since(p.started)
	p.isRunning = false
	p.mu.Unlock()

	slog.Info("motion: pipeline shutdown complete",
		"uptime", uptime,
		"compared", p.series.Len(),
	)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown bound
func (p *Pipeline) ShutdownTimeout() time.Duration {
	return p.cfg.ShutdownTimeout()
}

// Activity returns the changed-pixel series.
func (p *Pipeline) Activity() *activity.Series { return p.series }

// Loop returns the comparison loop.
func (p *Pipeline) Loop() *loop.Loop { return p.loop }
