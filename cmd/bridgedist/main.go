// Command bridgedist runs the bridge-distribution engine described by
// spec.md: it loads a bridge catalogue from the configured descriptor
// files, then serves it concurrently over an HTTP front and an email
// front, reloading the catalogue on a timer until told to stop.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitlab.torproject.org/tpo/anti-censorship/geoip"

	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/internal"
	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/persistence/file"
	emailfront "gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/presentation/email"
	httpfront "gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/presentation/https"
)

func main() {
	configFile := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := internal.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Could not load configuration: %s", err)
	}

	masterKey, err := internal.LoadOrCreateMasterKey(cfg.Backend.KeyFile)
	if err != nil {
		log.Fatalf("Could not load master key: %s", err)
	}

	store := file.New("bridgedist", cfg.Backend.WorkingDir)
	if err := store.Load(); err != nil {
		log.Fatalf("Could not load persistent state: %s", err)
	}
	defer store.Close()

	metrics := internal.InitMetrics()

	catalogue := internal.NewCatalogue(cfg, masterKey, store, metrics)

	interval, err := time.ParseDuration(cfg.Backend.ReloadInterval)
	if err != nil {
		log.Fatalf("Invalid reload_interval %q: %s", cfg.Backend.ReloadInterval, err)
	}

	stop := make(chan struct{})
	go catalogue.ReloadLoop(cfg.Backend.ExtrainfoFile, cfg.Backend.BlocklistFile, interval, stop)

	if cfg.Backend.MetricsAddress != "" {
		go serveMetrics(cfg.Backend.MetricsAddress, cfg.Backend.MetricsEndpoint)
	}

	if cfg.Distributors.Https.Share > 0 {
		go runHTTPSFront(cfg, catalogue, metrics)
	}

	if cfg.Distributors.Email.Share > 0 {
		go runEmailFront(cfg, catalogue, metrics)
	}

	waitForShutdown()
	close(stop)
}

func runHTTPSFront(cfg *internal.Config, catalogue *internal.Catalogue, metrics *internal.Metrics) {
	var geoipdb *geoip.Geoip
	httpsCfg := cfg.Distributors.Https
	if httpsCfg.GeoIPv4File != "" && httpsCfg.GeoIPv6File != "" {
		db, err := geoip.New(httpsCfg.GeoIPv4File, httpsCfg.GeoIPv6File)
		if err != nil {
			log.Printf("Could not load geoip databases, unblocked=<cc> filtering disabled: %s", err)
		} else {
			geoipdb = db
		}
	}

	srv := httpfront.NewServer(catalogue.HTTPS, &httpsCfg, metrics, geoipdb)
	httpfront.Run(httpsCfg.WebApi, srv)
}

func runEmailFront(cfg *internal.Config, catalogue *internal.Catalogue, metrics *internal.Metrics) {
	front, err := emailfront.NewFront(cfg.Distributors.Email, catalogue.Email, metrics)
	if err != nil {
		log.Printf("Could not start email front: %s", err)
		return
	}
	if err := front.Run(); err != nil {
		log.Printf("Email front stopped: %s", err)
	}
}

func serveMetrics(address, endpoint string) {
	mux := http.NewServeMux()
	mux.Handle(endpoint, internal.MetricsHandler())
	log.Printf("Serving metrics at %s%s.", address, endpoint)
	if err := http.ListenAndServe(address, mux); err != nil {
		log.Printf("Metrics server stopped: %s", err)
	}
}

func waitForShutdown() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	log.Printf("Received %s, shutting down.", sig)
}
