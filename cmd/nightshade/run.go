package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rafabd1/nightshade/internal/config"
	"github.com/rafabd1/nightshade/internal/core"
	"github.com/rafabd1/nightshade/internal/input"
	"github.com/rafabd1/nightshade/internal/metrics"
	"github.com/rafabd1/nightshade/internal/mutation"
	"github.com/rafabd1/nightshade/internal/networking"
	"github.com/rafabd1/nightshade/internal/output"
	"github.com/rafabd1/nightshade/internal/payloads"
	"github.com/rafabd1/nightshade/internal/report"
	"github.com/rafabd1/nightshade/internal/utils"
)

func runScan(ctx context.Context, cfg *config.Config) error {
	tc := output.NewTerminalController(os.Stderr, utils.IsTerminal(os.Stderr.Fd()))
	logger := utils.NewLogger(tc, utils.StringToLogLevel(cfg.Verbosity), cfg.NoColor, cfg.Silent)
	logger.Debugf("Configuration: %s", cfg)

	if cfg.ProxyInput != "" {
		proxies, err := utils.ParseProxyInput(cfg.ProxyInput, logger)
		if err != nil {
			return err
		}
		cfg.ParsedProxies = proxies
	}

	corpus := payloads.Default()
	if cfg.PayloadsFile != "" {
		loaded, err := payloads.Load(cfg.PayloadsFile)
		if err != nil {
			return err
		}
		corpus = loaded
	}
	logger.Debugf("Loaded %d payloads", len(corpus))

	reader := input.NewReader(logger)
	lines, err := readTargets(cfg, reader, logger)
	if err != nil {
		return fmt.Errorf("error reading targets: %w", err)
	}
	requests := reader.BuildRequests(lines, input.BuildOptions{Method: cfg.Method, Data: cfg.Data})

	domainManager := networking.NewDomainManager(cfg, logger)
	client, err := networking.NewClient(cfg, domainManager, logger)
	if err != nil {
		return fmt.Errorf("error creating HTTP client: %w", err)
	}

	if cfg.ExtractForms {
		requests = input.DiscoverForms(ctx, client, requests, cfg.RequestTimeout(), logger)
	}
	if len(requests) == 0 {
		return errors.New("no valid target to attack")
	}
	for _, req := range requests {
		client.ApplyHeaders(req)
	}
	logger.Infof("Loaded %d target requests.", len(requests))

	scanMetrics, err := metrics.New()
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := scanMetrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Errorf("%v", err)
			}
		}()
	}

	reporter := report.NewReporter(logger)
	networkErrors := new(atomic.Int64)
	attack := core.NewTimeSQL(core.TimeSQLOptions{
		Sender: client,
		Mutator: mutation.New(mutation.Options{
			QSInject:   cfg.QSInject,
			Parameters: cfg.Parameters,
			Skip:       cfg.SkipParameters,
		}),
		Sink:          reporter,
		Console:       output.NewConsole(tc, cfg.NoColor),
		Logger:        logger,
		Metrics:       scanMetrics,
		NetworkErrors: networkErrors,
		Payloads:      corpus,
		Verbosity:     cfg.VerbosityLevel,
	})
	attack.SetTimeout(cfg.TimeoutSeconds)

	progress := output.NewProgress(tc, len(requests), attack.Name(), !cfg.Silent)
	scheduler := core.NewScheduler(cfg, attack, networkErrors, progress, logger)
	summary, runErr := scheduler.Run(ctx, requests)
	progress.Finish()

	vulns, anomalies := reporter.Counts()
	logger.Infof("Scan finished. %d requests attacked, %d aborted, %d network errors. Found %d vulnerabilities and %d anomalies.",
		summary.Attacked, summary.Aborted, summary.NetworkErrors, vulns, anomalies)

	if err := reporter.GenerateReport(reporter.Findings(), cfg.OutputFile, cfg.OutputFormat); err != nil {
		return fmt.Errorf("error generating report: %w", err)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warnf("Scan interrupted, the report only contains findings up to now.")
			return nil
		}
		return runErr
	}
	return nil
}

// readTargets merges targets from arguments, the targets file and stdin.
// A single argument naming an existing file is read as a targets file.
func readTargets(cfg *config.Config, reader *input.Reader, logger utils.Logger) ([]string, error) {
	var lines []string
	args := cfg.Targets

	if len(args) == 1 {
		if fi, err := os.Stat(args[0]); err == nil && !fi.IsDir() {
			logger.Infof("Reading targets from file provided as argument: %s", args[0])
			fromArg, err := reader.ReadURLsFromFile(args[0])
			if err != nil {
				return nil, err
			}
			args = fromArg
		}
	}
	lines = append(lines, args...)

	if cfg.TargetsFile != "" {
		logger.Infof("Reading targets from file: %s", cfg.TargetsFile)
		fromFile, err := reader.ReadURLsFromFile(cfg.TargetsFile)
		if err != nil {
			return nil, err
		}
		lines = append(lines, fromFile...)
	}
	if cfg.Stdin {
		logger.Infof("Reading targets from stdin...")
		fromStdin, err := reader.ReadURLsFromStdin()
		if err != nil {
			return nil, err
		}
		lines = append(lines, fromStdin...)
	}
	return lines, nil
}
