package commands

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	logging "github.com/ipfs/go-log/v2"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/zpages"
	"go.opentelemetry.io/otel"

	"github.com/filecoin-project/deal-importer/metrics"
	"github.com/filecoin-project/deal-importer/version"
)

var log = logging.Logger("deal-importer/commands")

type ImporterLogOpts struct {
	LogLevel      string
	LogLevelNamed string
}

var ImporterLogFlags ImporterLogOpts

type ImporterTracingOpts struct {
	Enabled            bool
	ServiceName        string
	ProviderURL        string
	JaegerSamplerParam float64
}

var ImporterTracingFlags ImporterTracingOpts

type ImporterMetricOpts struct {
	PrometheusPort string
}

var ImporterMetricFlags ImporterMetricOpts

func setupLogging(flags ImporterLogOpts) error {
	ll := flags.LogLevel
	if err := logging.SetLogLevel("*", ll); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}

	llnamed := flags.LogLevelNamed
	if llnamed != "" {
		for _, llname := range strings.Split(llnamed, ",") {
			parts := strings.Split(llname, ":")
			if len(parts) != 2 {
				return fmt.Errorf("invalid named log level format: %q", llname)
			}
			if err := logging.SetLogLevel(parts[0], parts[1]); err != nil {
				return fmt.Errorf("set named log level %q to %q: %w", parts[0], parts[1], err)
			}
		}
	}

	log.Infof("deal-importer version:%s", version.String())

	return nil
}

func setupMetrics(flags ImporterMetricOpts) error {
	if flags.PrometheusPort == "" {
		return nil
	}

	// setup Prometheus
	registry := prom.NewRegistry()
	goCollector := collectors.NewGoCollector()
	procCollector := collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "deal_importer",
		Registry:  registry,
	})
	if err != nil {
		return err
	}

	registry.MustRegister(goCollector, procCollector)

	// register prometheus with opencensus
	view.RegisterExporter(pe)
	view.SetReportingPeriod(2 * time.Second)

	// register the metrics views of interest
	if err := view.Register(metrics.DefaultViews...); err != nil {
		return err
	}

	go func() {
		mux := http.NewServeMux()
		zpages.Handle(mux, "/debug")
		mux.Handle("/metrics", pe)
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		log.Infof("serving metrics on %s", flags.PrometheusPort)
		if err := http.ListenAndServe(flags.PrometheusPort, mux); err != nil {
			log.Fatalf("Failed to run Prometheus /metrics endpoint: %v", err)
		}
	}()
	return nil
}

func setupTracing(flags ImporterTracingOpts) error {
	if !flags.Enabled {
		return nil
	}

	tp, err := metrics.NewJaegerTraceProvider(flags.ServiceName, flags.ProviderURL, flags.JaegerSamplerParam)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	otel.SetTracerProvider(tp)
	return nil
}
