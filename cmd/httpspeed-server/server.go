package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/access/token"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/httpspeed/internal/handler"
	"github.com/m-lab/httpspeed/internal/health"
	"github.com/m-lab/httpspeed/internal/netx"
	"github.com/m-lab/httpspeed/internal/persistence"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
)

var (
	flagCertFile          = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile           = flag.String("key", "", "The file with server key in PEM format.")
	flagEndpoint          = flag.String("https_addr", ":4443", "Listen address/port for TLS connections")
	flagEndpointCleartext = flag.String("http_addr", ":8080", "Listen address/port for cleartext connections")
	flagDataDir           = flag.String("datadir", "./data", "Directory to store data in")
	flagCacheTTL          = flag.Duration("session.ttl", spec.DefaultSessionCacheTTL,
		"Time after the first request at which a session is archived")
	flagCC            = flag.String("cc", "", "Default congestion control algorithm for downloads")
	flagMaxAge        = flag.Duration("archive.max-age", persistence.DefaultMaxAge, "Remove archived files older than this (0 disables)")
	flagMaxSize       = flag.Int64("archive.max-size", persistence.DefaultMaxSize, "Remove the oldest archived files above this total size in bytes (0 disables)")
	flagCleanupPeriod = flag.Duration("archive.cleanup-interval", 5*time.Minute, "Average interval between archive cleanups")
	flagMinFree       = flag.Float64("health.min-free", health.DefaultMinFreePercent, "Report a warning below this percentage of free disk space")
	flagMaxLoad       = flag.Float64("health.max-load", health.DefaultMaxLoad, "Report a warning above this 1-minute load average")
	flagDebug         = flag.Bool("debug", false, "Enable debug logging")
	tokenVerifyKey    = flagx.FileBytesArray{}
	tokenVerify       bool
	tokenMachine      string
)

func init() {
	flag.Var(&tokenVerifyKey, "token.verify-key", "Public key for verifying access tokens")
	flag.BoolVar(&tokenVerify, "token.verify", false, "Verify access tokens")
	flag.StringVar(&tokenMachine, "token.machine", "", "Use given machine name to verify token claims")
}

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts, the provided address and handler, and an empty TLS configuration.
//
// This server must be used with a netx.Listener so that handlers can reach
// the accepted connection through netx.FromContext.
func httpServer(addr string, handler http.Handler) *http.Server {
	tlsconf := &tls.Config{}
	return &http.Server{
		Addr:      addr,
		Handler:   handler,
		TLSConfig: tlsconf,
		// NOTE: set absolute read and write timeouts for server connections.
		// This prevents clients, or middleboxes, from opening a connection and
		// holding it open indefinitely. This applies equally to TLS and non-TLS
		// servers. WebSocket ping sessions are bounded separately.
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
		ConnContext:  netx.WithConn,
	}
}

func listen(addr string) *netx.Listener {
	tcpl, err := net.Listen("tcp", addr)
	rtx.Must(err, "failed to create listener on %s", addr)
	return netx.NewListener(tcpl.(*net.TCPListener))
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	v, err := token.NewVerifier(tokenVerifyKey.Get()...)
	if (tokenVerify) && err != nil {
		rtx.Must(err, "Failed to load verifier")
	}
	// Enforce tokens on the speedtest endpoint. Pings are cheap enough not to
	// count against the transmit limits.
	txPaths := controller.Paths{
		spec.SpeedTestPath: true,
	}
	tokenPaths := controller.Paths{
		spec.SpeedTestPath: true,
		spec.WSPingPath:    true,
	}
	acm, _ := controller.Setup(ctx, v, tokenVerify, tokenMachine,
		txPaths, tokenPaths)

	h := handler.New(*flagDataDir, *flagCacheTTL)
	h.CC = *flagCC
	defer h.Close()

	checker := health.New(*flagDataDir)
	checker.MinFreePercent = *flagMinFree
	checker.MaxLoad = *flagMaxLoad

	janitor := &persistence.Janitor{
		Dir:      *flagDataDir,
		MaxAge:   *flagMaxAge,
		MaxSize:  *flagMaxSize,
		Interval: *flagCleanupPeriod,
	}
	go func() {
		if err := janitor.Run(ctx); err != nil {
			log.Error("archive janitor stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc(spec.SpeedTestPath, h.SpeedTest)
	mux.HandleFunc(spec.WSPingPath, h.WSPing)
	// The health endpoint is not subject to access control.
	root := http.NewServeMux()
	root.Handle(spec.HealthPath, checker)
	root.Handle("/", acm.Then(mux))

	servers := []*http.Server{}

	cleartext := httpServer(*flagEndpointCleartext, root)
	log.Info("About to listen for http tests", "endpoint", *flagEndpointCleartext)
	l := listen(cleartext.Addr)
	servers = append(servers, cleartext)
	go func() {
		err := cleartext.Serve(l)
		if !errors.Is(err, http.ErrServerClosed) {
			rtx.Must(err, "Could not start cleartext server")
		}
	}()

	// Only start TLS-based services if certs and keys are provided
	if *flagCertFile != "" && *flagKeyFile != "" {
		tlsServer := httpServer(*flagEndpoint, root)
		log.Info("About to listen for https tests", "endpoint", *flagEndpoint)
		l := listen(tlsServer.Addr)
		servers = append(servers, tlsServer)
		go func() {
			err := tlsServer.ServeTLS(l, *flagCertFile, *flagKeyFile)
			if !errors.Is(err, http.ErrServerClosed) {
				rtx.Must(err, "Could not start TLS server")
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown failed", "addr", s.Addr, "error", err)
		}
	}
}
