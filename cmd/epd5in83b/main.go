package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"epd5in83b/internal/capture"
	"epd5in83b/internal/config"
	"epd5in83b/internal/epd"
	appLog "epd5in83b/internal/log"
	"epd5in83b/internal/pipeline"
	"epd5in83b/internal/web"
)

// cycleTimeout bounds one-shot and scheduled cycles.
const cycleTimeout = 2 * time.Minute

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	clear      bool
	image      string
	url        string
}

func main() {
	appLog.Info("epd5in83b starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI flags override the config file.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.image != "" {
		conf.Source.Image = flags.image
	}
	if flags.url != "" {
		conf.Source.URL = flags.url
	}
	if lvl, err := appLog.ParseLevel(conf.LogLevel); err == nil {
		appLog.SetLevel(lvl)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"spi_port", conf.SPI.Port,
		"spi_speed_hz", conf.SPI.SpeedHz,
		"busy_timeout", conf.BusyTimeout,
		"refresh", conf.Refresh,
		"source_image", conf.Source.Image,
		"source_url", conf.Source.URL,
		"rotate", conf.Image.Rotate,
		"dither", conf.Image.Dither,
		"once", flags.once,
		"clear", flags.clear,
	)

	tr, err := epd.OpenPeriph(conf.PeriphConfig())
	if err != nil {
		appLog.Error("failed to open panel transport", err)
		os.Exit(1)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			appLog.Error("failed to close panel transport", err)
		}
	}()

	opts := conf.DriverOptions()
	opts.OnBusy = func(busy bool) {
		appLog.Debug("panel busy line", "busy", busy)
	}
	panel := epd.New(tr, opts)
	ref := pipeline.New(panel, sourceFor(conf), conf.ConvertOptions())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.clear || flags.once {
		cctx, cancel := context.WithTimeout(ctx, cycleTimeout)
		defer cancel()
		if flags.clear {
			err = ref.Clear(cctx)
		} else {
			err = ref.Refresh(cctx)
		}
		if err != nil {
			appLog.Error("one-shot cycle failed", err)
			os.Exit(1)
		}
		return
	}

	sched, err := startScheduler(conf.Refresh, ref)
	if err != nil {
		appLog.Error("failed to start scheduler", err, "refresh", conf.Refresh)
		os.Exit(1)
	}

	// Cycles are not tied to the signal context: a refresh interrupted in
	// the busy wait would leave the panel powered up.
	go refreshOnce(context.WithoutCancel(ctx), ref)

	srv := web.NewServer(conf, ref)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		appLog.Error("HTTP server failed", err)
	}

	appLog.Info("shutting down")
	if sched != nil {
		<-sched.Stop().Done()
	}

	// Let a running cycle finish, then leave the panel in deep sleep.
	sctx, cancel := context.WithTimeout(context.Background(), cycleTimeout+30*time.Second)
	defer cancel()
	if err := ref.Shutdown(sctx); err != nil {
		appLog.Error("failed to put panel to sleep", err)
	}
	appLog.Info("epd5in83b exiting")
}

// sourceFor picks the picture source. A URL wins over a file.
func sourceFor(conf *config.Config) pipeline.Source {
	switch {
	case conf.Source.URL != "":
		return pipeline.URLSource{Options: capture.Options{
			URL:          conf.Source.URL,
			WaitSelector: conf.Source.WaitSelector,
		}}
	case conf.Source.Image != "":
		return pipeline.FileSource{Path: conf.Source.Image}
	default:
		appLog.Warn("no picture source configured; only /api/display will update the panel")
		return nil
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epd5in83b/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh cycle and exit")
	flag.BoolVar(&cfg.clear, "clear", false, "Clear the panel to white and exit")
	flag.StringVar(&cfg.image, "image", "", "Image file to show (overrides config if set)")
	flag.StringVar(&cfg.url, "url", "", "Web page to screenshot and show (overrides config if set)")

	flag.Parse()

	return cfg
}
