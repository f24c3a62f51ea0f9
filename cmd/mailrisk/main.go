package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/scamadvisory/mailrisk/internal/config"
	"github.com/scamadvisory/mailrisk/internal/diag"
	"github.com/scamadvisory/mailrisk/internal/format"
	"github.com/scamadvisory/mailrisk/internal/httpclient"
	"github.com/scamadvisory/mailrisk/internal/logging"
	"github.com/scamadvisory/mailrisk/internal/resolve"
	"github.com/scamadvisory/mailrisk/internal/telemetry"
)

const version = "1.1.0"

func main() {
	var configFile string
	var outputFormat string
	var verbose bool
	var quiet bool
	var abuseKey string
	var ipqsKey string
	var timeoutSec int
	var ua string
	var homeCountry string
	var dnsblResolver string
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&outputFormat, "format", "", "output format (json, compact, csv, text)")
	flag.BoolVar(&verbose, "verbose", false, "include AAAA/MX records, apex domain and the full WHOIS document")
	flag.BoolVar(&quiet, "quiet", false, "suppress log output")
	flag.StringVar(&abuseKey, "abuseipdb_key", "", "AbuseIPDB API key")
	flag.StringVar(&ipqsKey, "ipqs_key", "", "IPQualityScore API key")
	flag.IntVar(&timeoutSec, "timeout_sec", 0, "per-probe timeout in seconds")
	flag.StringVar(&ua, "ua", "", "user-agent")
	flag.StringVar(&homeCountry, "home_country", "", "home country code for geo scoring")
	flag.StringVar(&dnsblResolver, "dnsbl_resolver", "", "resolver addr (host:port) for blocklist queries")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Mailrisk - domain and email risk diagnostics\n")
		fmt.Fprintf(os.Stderr, "Probes WHOIS, DNS, TLS, geolocation and blocklists behind an address and scores what it finds\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <email>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s suspect@example.com\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -verbose -format=text billing@shady.example\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config=mailrisk.yaml -format=csv suspect@example.com > result.csv\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ABUSEIPDB_KEY    AbuseIPDB API key\n")
		fmt.Fprintf(os.Stderr, "  IPQS_KEY         IPQualityScore API key\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Println("Mailrisk v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	email := flag.Arg(0)

	log := logging.New()
	if quiet {
		log = logging.Nop()
	}
	defer log.Sync()

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalw("failed to load config file", "file", configFile, "err", err)
		}
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	cfg.LoadFromEnv()

	flags := make(map[string]interface{})
	if abuseKey != "" {
		flags["abuseipdb_key"] = abuseKey
	}
	if ipqsKey != "" {
		flags["ipqs_key"] = ipqsKey
	}
	if timeoutSec > 0 {
		flags["timeout_sec"] = timeoutSec
	}
	if ua != "" {
		flags["ua"] = ua
	}
	if homeCountry != "" {
		flags["home_country"] = homeCountry
	}
	if dnsblResolver != "" {
		flags["dnsbl_resolver"] = dnsblResolver
	}
	cfg.MergeWithFlags(flags)

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	out, err := format.NewStdoutWriter(outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, cfg.OTELInsecure)
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	engine := diag.NewFromConfig(cfg, httpclient.New(cfg.Timeout()), log)
	res, err := engine.Run(ctx, email, verbose)
	if err != nil {
		if errors.Is(err, resolve.ErrInvalidInput) {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	if err := out.WriteResult(res); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
