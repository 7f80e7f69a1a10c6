package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"firewatch/alert"
	"firewatch/api"
	"firewatch/config"
	"firewatch/detection"
	"firewatch/fusion"
	"firewatch/mission"
	"firewatch/overlay"
	"firewatch/pipeline"
	"firewatch/relay"
	"firewatch/store"
	"firewatch/stream"
	"firewatch/telemetry"

	"github.com/mdobak/go-xerrors"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"
)

const pollInterval = 500 * time.Millisecond

var (
	configPath string
	debugMode  bool

	globalDebugLogger *DebugLogger
)

// debugMsg is the global convenience function for unified debug logging
func debugMsg(component, message string) {
	if globalDebugLogger != nil {
		globalDebugLogger.debugMsg(component, message)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "firewatch",
		Short: "Firewatch - two-stage wildfire detection with drone flight control",
		Long: `Firewatch runs a two-stage smoke/fire detection pipeline over a drone's
RTSP camera feed, pauses the flight plan for inspection when smoke is
sustained, and raises geo-tagged alerts when fire is confirmed.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "firewatch_config.json", "Path to JSON config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to /tmp/firewatch")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(missionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection pipeline, flight controller, and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show alert and mission statistics from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			st, err := store.Open(filepath.Join(cfg.DatabaseDir, "firewatch.db"))
			if err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer st.Close()

			stats, err := st.Stats()
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("Firewatch Statistics")
			fmt.Println("====================")
			for k, v := range stats {
				fmt.Printf("  %-24s %v\n", k, v)
			}
			return nil
		},
	}
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Mission management commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			st, err := store.Open(filepath.Join(cfg.DatabaseDir, "firewatch.db"))
			if err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer st.Close()

			missions, err := st.ListMissions()
			if err != nil {
				return fmt.Errorf("error listing missions: %w", err)
			}
			if len(missions) == 0 {
				fmt.Println("No missions stored.")
				return nil
			}

			fmt.Printf("%-38s %-24s %-10s %s\n", "ID", "Name", "Waypoints", "Track")
			for _, m := range missions {
				fmt.Printf("%-38s %-24s %-10d %.0fm\n", m.ID, m.Name, len(m.Waypoints), m.TrackLength())
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd)
	return cmd
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		err := xerrors.New(err)
		logger.ErrorContext(ctx, "Failed to load config.", slog.Any("error", err))
		return err
	}

	globalDebugLogger = NewDebugLogger(debugMode)
	defer globalDebugLogger.Close()
	wireDebugFunctions()

	debugMsg("MAIN", fmt.Sprintf("firewatch starting, input=%s autopilot=%s", cfg.RTSPURL, cfg.AutopilotAddr))

	st, err := store.Open(filepath.Join(cfg.DatabaseDir, "firewatch.db"))
	if err != nil {
		err := xerrors.New(err)
		logger.ErrorContext(ctx, "Failed to open database.", slog.Any("error", err))
		return err
	}
	defer st.Close()

	// Each stage gets its own inference session so a fire-model fault never
	// takes down smoke scanning.
	smokeSession, err := detection.NewSession(detection.ModelSpec{
		WeightsPath: cfg.SmokeWeights,
		ConfigPath:  cfg.SmokeConfig,
		NamesPath:   cfg.SmokeNames,
		InputSize:   cfg.SmokeInput,
		Confidence:  cfg.SmokeConf,
		TargetClass: cfg.SmokeClassName,
		Stage:       detection.StageSmoke,
	}, cfg.InferTimeout())
	if err != nil {
		err := xerrors.New(err)
		logger.ErrorContext(ctx, "Failed to load smoke model.", slog.Any("error", err))
		return err
	}
	defer smokeSession.Close()

	fireSession, err := detection.NewSession(detection.ModelSpec{
		WeightsPath: cfg.FireWeights,
		ConfigPath:  cfg.FireConfig,
		NamesPath:   cfg.FireNames,
		InputSize:   cfg.FireInput,
		Confidence:  cfg.FireConf,
		TargetClass: cfg.FireClassName,
		Stage:       detection.StageFire,
	}, cfg.InferTimeout())
	if err != nil {
		err := xerrors.New(err)
		logger.ErrorContext(ctx, "Failed to load fire model.", slog.Any("error", err))
		return err
	}
	defer fireSession.Close()

	agg := pipeline.NewAggregator(pipeline.AggregatorConfig{
		SmokeConf:   cfg.SmokeConf,
		FireConf:    cfg.FireConf,
		SmokeConsec: cfg.SmokeConsec,
		FireHold:    time.Duration(cfg.FireHold * float64(time.Second)),
	})
	ring := pipeline.NewFrameRing(cfg.BurstFrames*cfg.BurstStride + 4)
	snaps := stream.NewSnapRing(3)
	broadcaster := stream.NewBroadcaster()
	annotator := overlay.NewAnnotator()

	bridge := telemetry.NewBridge(telemetry.BridgeConfig{
		Addr:           cfg.AutopilotAddr,
		CommandTimeout: cfg.CommandTimeout(),
		MaxRetries:     cfg.CommandMaxRetries,
	})
	go bridge.Start(ctx)

	fuser := fusion.NewFuser(bridge, cfg.TelemetryStale(), annotator.RenderAlert)

	var notifiers []alert.Notifier
	if cfg.TelegramConfigured() {
		notifiers = append(notifiers, alert.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChat))
	} else {
		debugMsg("MAIN", "telegram credentials not configured, alerts log-only")
	}

	dispatcher := alert.NewDispatcher(alert.DispatcherConfig{
		QueueSize: cfg.AlertQueueSize,
		MinConf:   cfg.AlertMinConf,
		Cooldowns: map[string]time.Duration{
			alert.KindSmoke: time.Duration(cfg.SmokeAlertCooldown * float64(time.Second)),
			alert.KindFire:  time.Duration(cfg.FireAlertCooldown * float64(time.Second)),
		},
		MaxRetries:   cfg.AlertMaxRetries,
		RetryBackoff: time.Second,
	}, notifiers, func(a alert.GeoAlert, channel string, delivered bool) {
		rec := &store.AlertRecord{
			Kind:       a.Kind,
			Confidence: a.Confidence,
			Lat:        a.Lat,
			Lon:        a.Lon,
			Message:    a.Text,
			Delivered:  delivered,
			CreatedAt:  a.TS,
		}
		if err := st.InsertAlert(rec); err != nil {
			debugMsg("MAIN", fmt.Sprintf("alert persist failed: %v", err))
		}
	})
	go dispatcher.Run(ctx)

	confirmer := pipeline.NewConfirmer(pipeline.ConfirmerConfig{
		FireConf:    cfg.FireConf,
		FireConfirm: cfg.FireConfirm,
	}, pipeline.NewSessionBurstDetector(fireSession), agg, func(ev pipeline.FireEvent) {
		snaps.Add(ev.Snapshot, ev.TS)
		saveSnapshot(cfg.SnapDir, ev.Snapshot, ev.TS)
		geo := fuser.Fuse(fusion.Event{
			Kind:       alert.KindFire,
			Confidence: ev.Confidence,
			Boxes:      ev.Boxes,
			Frame:      ev.Snapshot,
			TS:         ev.TS,
		})
		if err := dispatcher.Enqueue(geo); err != nil {
			debugMsg("MAIN", fmt.Sprintf("fire alert dropped: %v", err))
		}
	})
	go confirmer.Run(ctx)

	scheduler := pipeline.NewScheduler(pipeline.SchedulerConfig{
		SmokeMinArea:      cfg.SmokeMinArea,
		BurstFrames:       cfg.BurstFrames,
		BurstStride:       cfg.BurstStride,
		ROIMargin:         cfg.ROIMargin,
		FireCheckCooldown: time.Duration(cfg.FireCheckCooldown * float64(time.Second)),
	}, smokeSession, agg, ring, confirmer)

	ctrl := mission.NewController(mission.ControllerConfig{
		PauseMinConf:      cfg.PauseMinConf,
		PauseConsecPolls:  cfg.PauseConsecPolls,
		PauseCooldown:     time.Duration(cfg.PauseCooldownSec * float64(time.Second)),
		HoldTimeout:       time.Duration(cfg.HoldTimeoutSec * float64(time.Second)),
		PauseOnEscalation: cfg.PauseOnEscalation,
	}, bridge)
	planner := mission.NewPlanner(st, cfg.NavigationAltitude)

	server := api.NewServer(api.Deps{
		Detection: agg,
		Control:   ctrl,
		Planner:   planner,
		Store:     st,
		VideoFeed: broadcaster,
		Snaps:     snaps,
		ProviderInfo: func() map[string]detection.ProviderInfo {
			return map[string]detection.ProviderInfo{
				"smoke": smokeSession.Info(),
				"fire":  fireSession.Info(),
			}
		},
		LinkConnected: bridge.Connected,
		Telemetry:     bridge.Latest,
		ResetDetectors: func() {
			smokeSession.ClearFault()
			fireSession.ClearFault()
			scheduler.Reset()
			agg.SetDegraded(detection.StageSmoke, false)
			agg.SetDegraded(detection.StageFire, false)
			debugMsg("MAIN", "detector stages re-armed by operator")
		},
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: server.Router(),
	}
	go func() {
		debugMsg("MAIN", fmt.Sprintf("API server listening on :%d", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorContext(ctx, "API server failed.", slog.Any("error", xerrors.New(err)))
			stop()
		}
	}()

	if cfg.RelayEnabled {
		rel := relay.New(relay.Config{
			InputURL:      cfg.RTSPURL,
			OutputURL:     "rtsp://127.0.0.1:8554/firewatch_relay",
			ExtraArgs:     cfg.RelayArgs,
			HealthTimeout: time.Duration(cfg.RelayHealthSeconds) * time.Second,
			RestartDelay:  time.Duration(cfg.RelayRestartDelay) * time.Second,
		})
		go rel.Run(ctx)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pollLoop(ctx, agg, ring, ctrl, fuser, dispatcher)
	}()
	go func() {
		defer wg.Done()
		if err := captureLoop(ctx, cfg, scheduler, annotator, agg, broadcaster); err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "Capture loop failed.", slog.Any("error", xerrors.New(err)))
			stop()
		}
	}()

	<-ctx.Done()
	debugMsg("MAIN", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)

	wg.Wait()
	return nil
}

// wireDebugFunctions connects every package to the unified logger.
func wireDebugFunctions() {
	detection.SetDebugFunction(debugMsg)
	pipeline.SetDebugFunction(debugMsg)
	telemetry.SetDebugFunction(debugMsg)
	mission.SetDebugFunction(debugMsg)
	alert.SetDebugFunction(debugMsg)
	fusion.SetDebugFunction(debugMsg)
	overlay.SetDebugFunction(debugMsg)
	stream.SetDebugFunction(debugMsg)
	relay.SetDebugFunction(debugMsg)
	api.SetDebugFunction(debugMsg)
}

// captureLoop reads the RTSP feed, runs Stage-1 on every frame, and
// publishes the annotated stream.
func captureLoop(ctx context.Context, cfg config.Config, scheduler *pipeline.Scheduler, annotator *overlay.Annotator, agg *pipeline.Aggregator, broadcaster *stream.Broadcaster) error {
	webcam, err := gocv.VideoCaptureFile(cfg.RTSPURL)
	if err != nil {
		return fmt.Errorf("failed to open stream %s: %w", cfg.RTSPURL, err)
	}
	defer webcam.Close()
	webcam.Set(gocv.VideoCaptureBufferSize, 1)

	frameBuffer := NewFrameBuffer()
	defer frameBuffer.Close()

	frame := gocv.NewMat()
	defer frame.Close()

	var frameInterval time.Duration
	if cfg.TargetFPS > 0 {
		frameInterval = time.Second / time.Duration(cfg.TargetFPS)
	}

	frameCount := 0
	fps := 0.0
	fpsWindowStart := time.Now()
	consecutiveReadFailures := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		loopStart := time.Now()

		if ok := webcam.Read(&frame); !ok {
			consecutiveReadFailures++
			if consecutiveReadFailures > 100 {
				return fmt.Errorf("stream read failed %d times in a row", consecutiveReadFailures)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		consecutiveReadFailures = 0

		goodFrame, ok := frameBuffer.ProcessFrame(frame)
		if !ok {
			continue
		}

		ts := time.Now()
		jpeg, err := encodeJPEG(goodFrame)
		if err != nil {
			debugMsg("CAPTURE", fmt.Sprintf("frame encode failed: %v", err))
			goodFrame.Close()
			continue
		}

		snap, err := scheduler.Tick(ctx, goodFrame, jpeg, goodFrame.Cols(), goodFrame.Rows(), ts)
		if err != nil {
			// Stage-1 suspended; keep streaming so the operator sees the
			// degraded banner.
			snap = agg.Snapshot()
		}

		frameCount++
		if elapsed := time.Since(fpsWindowStart); elapsed >= time.Second {
			fps = float64(frameCount) / elapsed.Seconds()
			frameCount = 0
			fpsWindowStart = time.Now()
		}

		if broadcaster.ClientCount() > 0 {
			annotator.Annotate(&goodFrame, snap, fps)
			if annotated, err := encodeJPEG(goodFrame); err == nil {
				broadcaster.Publish(annotated)
			}
		}
		goodFrame.Close()

		// pace to the target frame rate so inference never runs hotter
		// than the operator asked for
		if frameInterval > 0 {
			if elapsed := time.Since(loopStart); elapsed < frameInterval {
				time.Sleep(frameInterval - elapsed)
			}
		}
	}
}

// pollLoop drives the flight controller and raises smoke alerts on the
// rising edge of sustained smoke.
func pollLoop(ctx context.Context, agg *pipeline.Aggregator, ring *pipeline.FrameRing, ctrl *mission.Controller, fuser *fusion.Fuser, dispatcher *alert.Dispatcher) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	prevSmoke := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := agg.Snapshot()
		ctrl.HandlePoll(ctx, snap)

		if snap.HasSmoke && !prevSmoke {
			var frame []byte
			if latest := ring.Burst(1, 1); len(latest) > 0 {
				frame = latest[0].JPEG
			}
			geo := fuser.Fuse(fusion.Event{
				Kind:       alert.KindSmoke,
				Confidence: snap.SmokeMaxConf,
				Boxes:      snap.SmokeBoxes,
				Frame:      frame,
				TS:         snap.LastUpdate,
			})
			if err := dispatcher.Enqueue(geo); err != nil {
				debugMsg("MAIN", fmt.Sprintf("smoke alert dropped: %v", err))
			} else {
				agg.MarkSmokeAlert(time.Now())
			}
		}
		prevSmoke = snap.HasSmoke
	}
}

// saveSnapshot writes a confirmation frame to the snapshot directory. Best
// effort: a full disk must never block alerting.
func saveSnapshot(dir string, jpeg []byte, ts time.Time) {
	if dir == "" || len(jpeg) == 0 {
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		debugMsg("SNAPSHOT", fmt.Sprintf("snapshot dir unavailable: %v", err))
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("fire_%s.jpg", ts.Format("20060102_150405.000")))
	if err := os.WriteFile(path, jpeg, 0644); err != nil {
		debugMsg("SNAPSHOT", fmt.Sprintf("snapshot write failed: %v", err))
		return
	}
	debugMsg("SNAPSHOT", fmt.Sprintf("saved %s (%d bytes)", path, len(jpeg)))
}

func encodeJPEG(frame gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
