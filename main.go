package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-valsync/config"
	"github.com/Meander-Cloud/go-valsync/endpoint"
	"github.com/Meander-Cloud/go-valsync/logging"
	"github.com/Meander-Cloud/go-valsync/metrics"
)

type demoEndpoint interface {
	WriteInt(name string, value int64) error
	WriteDouble(name string, value float64) error
	AddValueMonitor(valueName, callbackName string, callback endpoint.ValueCallback) error
	IsConnected() bool
	PingTime() time.Duration
	Shutdown()
}

func usage() {
	log.Error().Msgf("usage: %s server|client [config.toml]", os.Args[0])
	os.Exit(2)
}

func loadConfig(role string) *config.Config {
	var c *config.Config
	if len(os.Args) > 2 {
		var err error
		c, err = config.Load(os.Args[2])
		if err != nil {
			os.Exit(1)
		}
	} else {
		c = config.Default()
	}

	if c.LogPrefix == "" {
		c.LogPrefix = role
	}

	return c
}

func serveMetrics(c *config.Config, subsystem string) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.NewPrometheus(reg, "", subsystem)

	if c.MetricsAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	go func() {
		log.Info().Msgf("%s: serving metrics on %s/metrics", c.LogPrefix, c.MetricsAddress)
		err := http.ListenAndServe(c.MetricsAddress, mux)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Msgf("%s: metrics server failed, err=%s", c.LogPrefix, err.Error())
		}
	}()
}

func demo(role string) {
	c := loadConfig(role)
	serveMetrics(c, role)

	var (
		e        demoEndpoint
		err      error
		outgoing string
		incoming string
	)

	switch role {
	case "server":
		var s *endpoint.Server
		s, err = endpoint.NewServer(c)
		e = s
		outgoing, incoming = "serverUptime", "clientUptime"
	case "client":
		var cl *endpoint.Client
		cl, err = endpoint.NewClient(c)
		e = cl
		outgoing, incoming = "clientUptime", "serverUptime"
	default:
		usage()
	}
	if err != nil {
		panic(err)
	}

	err = e.AddValueMonitor(
		incoming,
		"demo",
		func(changed *endpoint.ValueChanged) {
			log.Info().Msgf(
				"%s: %s=%s, previous=%s, time=%s",
				c.LogPrefix,
				changed.Name,
				changed.Value,
				changed.Previous,
				changed.Time.Format(time.RFC3339),
			)
		},
	)
	if err != nil {
		panic(err)
	}

	t0 := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigch:
			log.Info().Msgf("%s: received signal %s, exiting", c.LogPrefix, sig.String())
			e.Shutdown() // wait
			return
		case <-ticker.C:
			uptime := time.Since(t0)
			err = e.WriteInt(outgoing, int64(uptime/time.Second))
			if err != nil {
				log.Error().Msgf("%s: failed to write %s, err=%s", c.LogPrefix, outgoing, err.Error())
			}
			err = e.WriteDouble(outgoing+"Seconds", uptime.Seconds())
			if err != nil {
				log.Error().Msgf("%s: failed to write %sSeconds, err=%s", c.LogPrefix, outgoing, err.Error())
			}

			log.Info().Msgf(
				"%s: connected=%t, pingTime=%v",
				c.LogPrefix,
				e.IsConnected(),
				e.PingTime(),
			)
		}
	}
}

func main() {
	logging.ConfigureRuntime()

	if len(os.Args) <= 1 {
		usage()
	}

	demo(os.Args[1])
}
