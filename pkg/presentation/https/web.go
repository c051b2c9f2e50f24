// Package https is the HTTP collaborator front end of spec.md §6: it maps
// an incoming request to a client IP, asks the IP-based distributor for
// bridges, and renders the answer as plain text or a minimal HTML page.
//
// Grounded on the teacher's pkg/presentation/distributors/https/web.go and
// pkg/presentation/distributors/common/webserver.go for the server-loop and
// graceful-shutdown idiom, and on i2p-pt-i2p-rdsys's moat/web.go for
// X-Forwarded-For handling and geoip country lookup.
package https

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gitlab.torproject.org/tpo/anti-censorship/geoip"
	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/internal"
	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/core"
	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/distributors/ip"
)

// Server wires an IP-based distributor to an HTTP handler.
type Server struct {
	dist     *ip.Distributor
	cfg      *internal.HttpsDistConfig
	metrics  *internal.Metrics
	geoipdb  *geoip.Geoip
	maxReply int
}

// NewServer returns a Server.  geoipdb may be nil, in which case requests
// never carry an unblocked=<cc> filter.
func NewServer(dist *ip.Distributor, cfg *internal.HttpsDistConfig, metrics *internal.Metrics, geoipdb *geoip.Geoip) *Server {
	return &Server{dist: dist, cfg: cfg, metrics: metrics, geoipdb: geoipdb, maxReply: cfg.NBridgesPerAnswer}
}

// ipFromRequest extracts the client's address, honoring a trusted
// X-Forwarded-For header when configured.  It skips tokens that parse to a
// loopback, unspecified, multicast, or link-local address, since those
// cannot identify a real requester.
func (s *Server) ipFromRequest(r *http.Request) net.IP {
	if s.cfg.TrustXForwardedFor {
		header := r.Header.Get("X-Forwarded-For")
		forwarded := strings.Split(header, ",")
		for i := len(forwarded) - 1; i >= 0; i-- {
			candidate := strings.TrimSpace(forwarded[i])
			addr := net.ParseIP(candidate)
			if addr == nil {
				continue
			}
			if addr.IsLoopback() || addr.IsUnspecified() || addr.IsMulticast() || addr.IsLinkLocalUnicast() {
				continue
			}
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func (s *Server) country(addr net.IP) (core.Filter, bool) {
	if s.geoipdb == nil || addr == nil {
		return core.Filter{}, false
	}
	cc, ok := s.geoipdb.GetCountryByAddr(addr)
	if !ok || cc == "" {
		return core.Filter{}, false
	}
	return core.Unblocked(strings.ToLower(cc)), true
}

// ServeHTTP implements the GET /?format=plain surface of spec.md §6.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		defer s.metrics.Requests.WithLabelValues("https", "served").Inc()
	}

	addr := s.ipFromRequest(r)
	if addr == nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, "could not determine your IP address")
		return
	}

	var filters []core.Filter
	if transport := r.URL.Query().Get("transport"); transport != "" {
		filters = append(filters, core.Transport(transport, 0))
	}
	if f, ok := s.country(addr); ok {
		filters = append(filters, f)
	}

	epoch := time.Now().UTC().Format("2006-01-02")
	bridges := s.dist.GetBridgesForIP(addr, epoch, s.maxReply, filters...)

	plain := r.URL.Query().Get("format") == "plain"
	if plain {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)

	if len(bridges) == 0 {
		if plain {
			fmt.Fprintln(w, "(no bridges available for your network right now)")
		} else {
			fmt.Fprintln(w, "<p>No bridges are available for your network right now.</p>")
		}
		return
	}

	for _, b := range bridges {
		if plain {
			fmt.Fprintln(w, b.String())
		} else {
			fmt.Fprintf(w, "<tt>%s</tt><br>\n", b.String())
		}
	}
}

// Run starts the HTTP server at apiCfg.ApiAddress and blocks until it
// receives SIGINT/SIGTERM, giving in-flight requests five seconds to
// finish.
func Run(apiCfg internal.WebApiConfig, handler http.Handler) {
	var srv http.Server
	srv.Addr = apiCfg.ApiAddress
	srv.Handler = handler

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Printf("Caught shutdown signal.")
		t := time.Now().Add(5 * time.Second)
		ctx, cancel := context.WithDeadline(context.Background(), t)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down HTTP front: %s", err)
		}
	}()

	log.Printf("Starting HTTP front at %s.", srv.Addr)

	var err error
	if apiCfg.CertFile != "" && apiCfg.KeyFile != "" {
		err = srv.ListenAndServeTLS(apiCfg.CertFile, apiCfg.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil {
		log.Printf("HTTP front shut down: %s", err)
	}
}
