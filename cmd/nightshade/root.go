package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rafabd1/nightshade/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	defaults := config.GetDefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "nightshade [flags] [url ...]",
		Short: "Blind time-based SQL injection scanner",
		Long: `nightshade injects time-based SQL payloads in every GET and POST parameter of the
given targets. A parameter is reported vulnerable when the injected request times out
while the original request answers in time.

Targets are URLs, optionally prefixed by a method ("POST http://host/login.php").`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScan(ctx, cfg)
		},
	}

	flags := rootCmd.Flags()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.nightshade.yaml)")

	flags.StringP("list", "l", "", "File containing targets, one per line")
	flags.Bool("stdin", false, "Read targets from stdin")
	flags.String("payloads", "", "Custom payload file, [TIME] is replaced by the sleep duration")
	flags.StringP("method", "X", defaults.Method, "Method for targets that do not specify one (GET, POST)")
	flags.StringP("data", "d", "", "Form body sent with POST targets (a=1&b=2)")
	flags.StringSliceP("header", "H", nil, "Custom header 'Name: Value', can be repeated")
	flags.IntP("concurrency", "c", defaults.Concurrency, "Number of targets attacked in parallel")
	flags.IntP("timeout", "t", defaults.TimeoutSeconds, "Request timeout in seconds, payloads sleep one second longer")
	flags.StringP("output", "o", "", "Report file (default stdout)")
	flags.StringP("format", "f", defaults.OutputFormat, "Report format (json, yaml, text)")
	flags.String("log-level", defaults.Verbosity, "Log level (debug, info, warn, error)")
	flags.CountP("verbose", "v", "Verbosity: -v details, -vv every mutated request")
	flags.String("user-agent", defaults.UserAgent, "User-Agent header")
	flags.String("proxy", "", "Proxy URL, comma separated list or file")
	flags.Float64("rps", defaults.RequestsPerSecond, "Maximum requests per second per domain (0 = unlimited)")
	flags.Int("cooldown-ms", defaults.DomainCooldownMs, "Initial standby after a 429 answer")
	flags.Int("retries", defaults.MaxRetries, "Retries on transport failures, timeouts are never retried")
	flags.Int("retry-base-ms", defaults.RetryDelayBaseMs, "Base delay of the exponential backoff")
	flags.Int("retry-max-ms", defaults.RetryDelayMaxMs, "Maximum delay of the exponential backoff")
	flags.Bool("insecure", defaults.InsecureSkipVerify, "Skip TLS certificate verification")
	flags.Bool("qs-inject", defaults.QSInject, "Inject the whole query string of GET targets without parameters")
	flags.StringSliceP("param", "p", nil, "Only attack these parameters")
	flags.StringSlice("skip", nil, "Never attack these parameters")
	flags.Bool("forms", false, "Fetch each GET target and also attack the HTML forms it contains")
	flags.String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	flags.Bool("no-color", false, "Disable colored output")
	flags.Bool("silent", false, "Only print findings and errors")

	bindings := map[string]string{
		"targetsFile":        "list",
		"stdin":              "stdin",
		"payloadsFile":       "payloads",
		"method":             "method",
		"data":               "data",
		"customHeaders":      "header",
		"concurrency":        "concurrency",
		"timeoutSeconds":     "timeout",
		"outputFile":         "output",
		"outputFormat":       "format",
		"verbosity":          "log-level",
		"verbosityLevel":     "verbose",
		"userAgent":          "user-agent",
		"proxyInput":         "proxy",
		"requestsPerSecond":  "rps",
		"domainCooldownMs":   "cooldown-ms",
		"maxRetries":         "retries",
		"retryDelayBaseMs":   "retry-base-ms",
		"retryDelayMaxMs":    "retry-max-ms",
		"insecureSkipVerify": "insecure",
		"qsInject":           "qs-inject",
		"parameters":         "param",
		"skipParameters":     "skip",
		"extractForms":       "forms",
		"metricsAddr":        "metrics-addr",
		"noColor":            "no-color",
		"silent":             "silent",
	}
	for key, flag := range bindings {
		cobra.CheckErr(viper.BindPFlag(key, flags.Lookup(flag)))
	}

	return rootCmd
}

// initConfig reads in config file and ENV variables if set.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("failed to find home directory: %w", err)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".nightshade")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("NIGHTSHADE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || cfgFile != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
	return nil
}

// loadConfig builds the Config from Viper, which already merged flags, file and environment.
func loadConfig(args []string) (*config.Config, error) {
	cfg := config.GetDefaultConfig()
	cfg.Targets = args
	cfg.TargetsFile = viper.GetString("targetsFile")
	cfg.Stdin = viper.GetBool("stdin")
	cfg.PayloadsFile = viper.GetString("payloadsFile")
	cfg.Method = strings.ToUpper(viper.GetString("method"))
	cfg.Data = viper.GetString("data")
	cfg.CustomHeaders = viper.GetStringSlice("customHeaders")
	cfg.Concurrency = viper.GetInt("concurrency")
	cfg.TimeoutSeconds = viper.GetInt("timeoutSeconds")
	cfg.OutputFile = viper.GetString("outputFile")
	cfg.OutputFormat = strings.ToLower(viper.GetString("outputFormat"))
	cfg.Verbosity = viper.GetString("verbosity")
	cfg.VerbosityLevel = viper.GetInt("verbosityLevel")
	cfg.UserAgent = viper.GetString("userAgent")
	cfg.ProxyInput = viper.GetString("proxyInput")
	cfg.RequestsPerSecond = viper.GetFloat64("requestsPerSecond")
	cfg.DomainCooldownMs = viper.GetInt("domainCooldownMs")
	cfg.MaxRetries = viper.GetInt("maxRetries")
	cfg.RetryDelayBaseMs = viper.GetInt("retryDelayBaseMs")
	cfg.RetryDelayMaxMs = viper.GetInt("retryDelayMaxMs")
	cfg.InsecureSkipVerify = viper.GetBool("insecureSkipVerify")
	cfg.QSInject = viper.GetBool("qsInject")
	cfg.Parameters = viper.GetStringSlice("parameters")
	cfg.SkipParameters = viper.GetStringSlice("skipParameters")
	cfg.ExtractForms = viper.GetBool("extractForms")
	cfg.MetricsAddr = viper.GetString("metricsAddr")
	cfg.NoColor = viper.GetBool("noColor")
	cfg.Silent = viper.GetBool("silent")

	if cfg.VerbosityLevel > 2 {
		cfg.VerbosityLevel = 2
	}
	if cfg.VerbosityLevel > 0 && cfg.Verbosity == "info" {
		cfg.Verbosity = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
