package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/SubCollector/internal/config"
	"github.com/example/SubCollector/internal/fetch"
	"github.com/example/SubCollector/internal/logx"
	"github.com/example/SubCollector/internal/output"
	"github.com/example/SubCollector/internal/pipeline"
	"github.com/example/SubCollector/internal/probe"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run executes every selected profile and returns the process exit code:
// 0 on success, 1 when an output could not be written or the run was
// interrupted, 2 on invalid configuration.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := config.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	level := logx.VerbosityLevel(cfg.Verbosity)
	if cfg.LogLevel != "" {
		if level, err = logx.ParseLevel(cfg.LogLevel); err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
	}
	log := logx.New(stderr, level)

	dialer, err := probe.Upstream(cfg.UpstreamProxy, cfg.ProbeTimeout)
	if err != nil {
		log.Error().Err(err).Msg("invalid upstream proxy")
		return 2
	}
	fetcher := fetch.New(fetch.Options{
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.UserAgent,
		MaxBytes:  cfg.MaxBodyBytes,
		Dialer:    dialer,
	})
	prober := &probe.TCP{
		Timeout: cfg.ProbeTimeout,
		Dialer:  dialer,
		Limiter: probe.Limiter(cfg.ProbeRate),
	}

	code := 0
	for _, p := range cfg.Selected() {
		err := runProfile(ctx, log, cfg, p, fetcher, prober)
		var we *output.WriteError
		switch {
		case err == nil:
		case errors.As(err, &we):
			log.Error().Str("profile", p.Name).Str("path", we.Path).Err(we.Err).Msg("cannot write output")
			code = 1
		default:
			log.Error().Str("profile", p.Name).Err(err).Msg("profile aborted")
			return 1
		}
	}
	return code
}

// runProfile runs one profile and writes its normal and final lists. Nothing
// is written when ctx ends before the run completes.
func runProfile(ctx context.Context, log zerolog.Logger, cfg *config.Config, p config.Profile, f pipeline.Fetcher, pr probe.Prober) error {
	plog := log.With().Str("profile", p.Name).Logger()
	plog.Info().Int("sources", len(p.Sources)).Str("mode", string(p.Mode)).Msg("profile started")
	start := time.Now()

	res, err := pipeline.New(f, pr, plog, cfg.PipelineOptions(p)).Run(ctx, p.Sources)
	if err != nil {
		return err
	}

	normalPath := filepath.Join(cfg.OutDir, output.SanitizeFileName(p.Normal))
	finalPath := filepath.Join(cfg.OutDir, output.SanitizeFileName(p.Final))

	var errs []error
	if err := output.Write(normalPath, res.Normal, p.Format, p.Header); err != nil {
		errs = append(errs, err)
	} else {
		plog.Info().Str("path", normalPath).Int("count", len(res.Normal)).Msg("normal list saved")
	}
	if err := output.Write(finalPath, res.Final, p.Format, ""); err != nil {
		errs = append(errs, err)
	} else {
		plog.Info().Str("path", finalPath).Int("count", len(res.Final)).Msg("final list saved")
	}

	plog.Info().
		Int("normal", len(res.Normal)).
		Int("final", len(res.Final)).
		Int("failed_sources", res.Stats.SourcesFailed).
		Dur("took", time.Since(start)).
		Msg("profile complete")
	return errors.Join(errs...)
}
