package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/scamadvisory/mailrisk/internal/cache"
	"github.com/scamadvisory/mailrisk/internal/config"
	"github.com/scamadvisory/mailrisk/internal/diag"
	"github.com/scamadvisory/mailrisk/internal/emit"
	"github.com/scamadvisory/mailrisk/internal/health"
	"github.com/scamadvisory/mailrisk/internal/httpclient"
	"github.com/scamadvisory/mailrisk/internal/logging"
	"github.com/scamadvisory/mailrisk/internal/lookup"
	"github.com/scamadvisory/mailrisk/internal/metrics"
	"github.com/scamadvisory/mailrisk/internal/queue"
	"github.com/scamadvisory/mailrisk/internal/rate"
	"github.com/scamadvisory/mailrisk/internal/server"
	"github.com/scamadvisory/mailrisk/internal/telemetry"
)

const version = "1.1.0"

func main() {
	var configFile string
	var listenAddr string
	var metricsAddr string
	var concurrency int
	var abuseKey string
	var ipqsKey string
	var timeoutSec int
	var ua string
	var homeCountry string
	var dnsblResolver string
	var countryCSV string
	var numberCSV string
	var ratePerMin int
	var cacheTTLSec int
	var ingest string
	var spoolDir string
	var batchMax int
	var batchFlushSec int
	var mtlsCert, mtlsKey, mtlsCA string
	var otelEndpoint string
	var otelInsecure bool
	var otelService string
	var redisAddr string
	var redisQueueAddr string
	var redisQueueKey string
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&listenAddr, "listen_addr", "", "API listen addr")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics listen addr (empty to disable)")
	flag.IntVar(&concurrency, "concurrency", 0, "queue worker goroutines")
	flag.StringVar(&abuseKey, "abuseipdb_key", "", "AbuseIPDB API key")
	flag.StringVar(&ipqsKey, "ipqs_key", "", "IPQualityScore API key")
	flag.IntVar(&timeoutSec, "timeout_sec", 0, "per-probe timeout in seconds")
	flag.StringVar(&ua, "ua", "", "user-agent")
	flag.StringVar(&homeCountry, "home_country", "", "home country code for geo scoring")
	flag.StringVar(&dnsblResolver, "dnsbl_resolver", "", "resolver addr (host:port) for blocklist queries")
	flag.StringVar(&countryCSV, "country_csv", "", "path to the dialing-code dataset")
	flag.StringVar(&numberCSV, "number_csv", "", "path to the reported-number dataset")
	flag.IntVar(&ratePerMin, "rate_per_min", 0, "per-client diagnose requests per minute")
	flag.IntVar(&cacheTTLSec, "cache_ttl_sec", 0, "result cache TTL in seconds")
	flag.StringVar(&ingest, "ingest", "", "ingest endpoint for the result feed (empty to disable)")
	flag.StringVar(&spoolDir, "spool_dir", "", "spool dir for failed feed batches")
	flag.IntVar(&batchMax, "batch_max_results", 0, "max results per feed batch before flush")
	flag.IntVar(&batchFlushSec, "batch_flush_sec", 0, "seconds timer to flush a feed batch")
	flag.StringVar(&mtlsCert, "mtls_cert", "", "client cert (PEM) for mTLS to ingest")
	flag.StringVar(&mtlsKey, "mtls_key", "", "client key (PEM) for mTLS to ingest")
	flag.StringVar(&mtlsCA, "mtls_ca", "", "CA bundle (PEM) for mTLS to ingest")
	flag.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.BoolVar(&otelInsecure, "otel_insecure", true, "OTLP insecure (no TLS)")
	flag.StringVar(&otelService, "otel_service", "", "OTEL service.name")
	flag.StringVar(&redisAddr, "redis_addr", "", "redis server for the shared result cache")
	flag.StringVar(&redisQueueAddr, "redis_queue_addr", "", "redis server for the email work queue")
	flag.StringVar(&redisQueueKey, "redis_queue_key", "", "redis list key for the email work queue")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Mailriskd - email risk diagnostics service\n")
		fmt.Fprintf(os.Stderr, "Serves /v1/diagnose plus the dialing-code and reported-number datasets, and drains the email work queue\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -listen_addr=:8080 -metrics_addr=:9090\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config=mailrisk.yaml -redis_queue_addr=localhost:6379 -ingest=https://collect.example/v1/batches\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ABUSEIPDB_KEY    AbuseIPDB API key\n")
		fmt.Fprintf(os.Stderr, "  IPQS_KEY         IPQualityScore API key\n")
		fmt.Fprintf(os.Stderr, "  COUNTRY_CSV_PATH Dialing-code dataset path\n")
		fmt.Fprintf(os.Stderr, "  NUM_CSV_PATH     Reported-number dataset path\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR       Redis server for the result cache\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_ADDR Redis server for the work queue\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Println("Mailriskd v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		os.Exit(0)
	}

	log := logging.New()
	defer log.Sync()

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalw("failed to load config file", "file", configFile, "err", err)
		}
		log.Infow("loaded config from file", "file", configFile)
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	cfg.LoadFromEnv()

	flags := make(map[string]interface{})
	if listenAddr != "" {
		flags["listen_addr"] = listenAddr
	}
	if metricsAddr != "" {
		flags["metrics_addr"] = metricsAddr
	}
	if concurrency > 0 {
		flags["concurrency"] = concurrency
	}
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
	if countryCSV != "" {
		flags["country_csv"] = countryCSV
	}
	if numberCSV != "" {
		flags["number_csv"] = numberCSV
	}
	if ratePerMin > 0 {
		flags["rate_per_min"] = ratePerMin
	}
	if cacheTTLSec > 0 {
		flags["cache_ttl_sec"] = cacheTTLSec
	}
	if ingest != "" {
		flags["ingest"] = ingest
	}
	if spoolDir != "" {
		flags["spool_dir"] = spoolDir
	}
	if batchMax > 0 {
		flags["batch_max_results"] = batchMax
	}
	if batchFlushSec > 0 {
		flags["batch_flush_sec"] = batchFlushSec
	}
	if mtlsCert != "" {
		flags["mtls_cert"] = mtlsCert
	}
	if mtlsKey != "" {
		flags["mtls_key"] = mtlsKey
	}
	if mtlsCA != "" {
		flags["mtls_ca"] = mtlsCA
	}
	if otelEndpoint != "" {
		flags["otel_endpoint"] = otelEndpoint
	}
	if otelService != "" {
		flags["otel_service"] = otelService
	}
	if redisAddr != "" {
		flags["redis_addr"] = redisAddr
	}
	if redisQueueAddr != "" {
		flags["redis_queue_addr"] = redisQueueAddr
	}
	if redisQueueKey != "" {
		flags["redis_queue_key"] = redisQueueKey
	}
	flags["otel_insecure"] = otelInsecure
	cfg.MergeWithFlags(flags)

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, cfg.OTELInsecure)
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("service", "mailriskd")
	healthHandler.SetMetadata("version", version)
	healthHandler.SetMetadata("abuseipdb", providerState(cfg.AbuseIPDBKey))
	healthHandler.SetMetadata("ipqs", providerState(cfg.IPQSKey))

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(cfg.MetricsAddr, healthHandler, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	engine := diag.NewFromConfig(cfg, httpclient.NewResilient(httpclient.New(cfg.Timeout())), log)

	var store cache.Interface
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(cfg.RedisAddr, cfg.CacheTTL())
		if err != nil {
			log.Fatalw("redis cache init", "err", err)
		}
		store = rc
		healthHandler.RegisterChecker("result_cache", health.NewFuncChecker("redis reachable", rc.Ping))
		log.Infow("redis result cache enabled", "addr", cfg.RedisAddr)
	} else {
		store = cache.NewMemory(cfg.CacheSize, cfg.CacheTTL())
		log.Infow("memory result cache enabled", "size", cfg.CacheSize)
	}

	var countries, numbers *lookup.Table
	if cfg.CountryCSV != "" {
		countries, err = lookup.LoadCountries(cfg.CountryCSV)
		if err != nil {
			log.Warnw("country dataset unavailable", "path", cfg.CountryCSV, "err", err)
		} else {
			log.Infow("country dataset loaded", "path", cfg.CountryCSV, "rows", countries.Len())
		}
	}
	if cfg.NumberCSV != "" {
		numbers, err = lookup.LoadNumbers(cfg.NumberCSV)
		if err != nil {
			log.Warnw("number dataset unavailable", "path", cfg.NumberCSV, "err", err)
		} else {
			log.Infow("number dataset loaded", "path", cfg.NumberCSV, "rows", numbers.Len())
		}
	}

	var results chan diag.Result
	var emitter *emit.Emitter
	if cfg.Ingest != "" {
		results = make(chan diag.Result, 1024)
		emitter = emit.NewEmitter(
			cfg.Ingest,
			"mailriskd",
			time.Now().UTC().Format("20060102T150405Z"),
			cfg.BatchMaxResults,
			time.Duration(cfg.BatchFlushSec)*time.Second,
			cfg.SpoolDir,
			cfg.MTLSCert,
			cfg.MTLSKey,
			cfg.MTLSCA,
		)
		go emitter.Run(ctx, results, log)
		log.Infow("result feed enabled", "ingest", cfg.Ingest)
	}

	var workers sync.WaitGroup
	if cfg.RedisQueueAddr != "" {
		q, err := queue.NewRedis(cfg.RedisQueueAddr, cfg.RedisQueueKey, 120*time.Second)
		if err != nil {
			log.Fatalw("redis queue init", "err", err)
		}
		healthHandler.RegisterChecker("work_queue", health.NewFuncChecker("redis reachable", q.Ping))
		log.Infow("redis queue enabled", "addr", cfg.RedisQueueAddr, "key", cfg.RedisQueueKey)

		for i := 0; i < cfg.Concurrency; i++ {
			workers.Add(1)
			go func() {
				defer workers.Done()
				runWorker(ctx, q, engine, store, results, log)
			}()
		}
	}

	srv := &server.Server{
		Engine:      engine,
		Cache:       store,
		Limiter:     rate.PerMinute(float64(cfg.RatePerMin), cfg.RateBurst),
		Countries:   countries,
		CountryPath: cfg.CountryCSV,
		Numbers:     numbers,
		NumberPath:  cfg.NumberCSV,
		Log:         log,
	}
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	log.Infow("api server started", "addr", cfg.ListenAddr)

	healthHandler.SetReady(true)
	log.Infow("service marked as ready")

	select {
	case <-ctx.Done():
		log.Infow("shutting down")
	case err := <-errCh:
		log.Errorw("api server failed", "err", err)
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("api shutdown", "err", err)
	}
	workers.Wait()
	if emitter != nil {
		emitter.Drain(log)
	}
	log.Infow("shutdown complete")
}

// runWorker drains the email queue until the context ends. Results go to
// the feed when one is configured; failed diagnostics are still acked so a
// malformed address cannot wedge the queue.
func runWorker(ctx context.Context, q *queue.RedisQueue, engine *diag.Engine, store cache.Interface, results chan<- diag.Result, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		email, ack, err := q.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		if email == "" {
			continue
		}
		if store != nil {
			if _, ok := store.Get(ctx, email); ok {
				_ = ack()
				continue
			}
		}
		res, err := engine.Run(ctx, email, false)
		if err != nil {
			log.Warnw("queue diagnostic failed", "email", email, "err", err)
			_ = ack()
			continue
		}
		if store != nil {
			store.Set(ctx, email, res)
		}
		_ = ack()
		if results != nil {
			select {
			case results <- *res:
			case <-ctx.Done():
				return
			}
		}
	}
}

func providerState(key string) string {
	if key == "" {
		return "disabled"
	}
	return "configured"
}
