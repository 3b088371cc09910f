package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/httpspeed/internal/persistence"
	"github.com/m-lab/httpspeed/pkg/client"
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/httpspeed/pkg/httpspeed/spec"
	"github.com/m-lab/httpspeed/pkg/version"
)

const clientName = "httpspeed-client"

var (
	flagServer       = flag.String("server", "", "Server address (host:port or URL). Uses the Locate API if empty")
	flagScheme       = flag.String("scheme", client.DefaultScheme, "HTTP scheme (https or http)")
	flagStreams      = flag.Int("streams", spec.DefaultStreams, "Number of concurrent transfers per round")
	flagRounds       = flag.Int("rounds", spec.DefaultRounds, "Number of measurement rounds")
	flagRoundTimeout = flag.Duration("round-timeout", spec.DefaultRoundTimeout, "Time budget of each round")
	flagPing         = flag.String("ping", client.PingHTTP, "Latency transport (http or ws)")
	flagFormat       = flag.String("format", "human", "Output format (human or json)")
	flagDownload     = flag.Bool("download", true, "Run the download test")
	flagUpload       = flag.Bool("upload", true, "Run the upload test")
	flagConfig       = flag.String("config", "", "Optional YAML file with the engine configuration")
	flagOutput       = flag.String("output", "", "Directory to write measurement results to")
	flagNoVerify     = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagDebug        = flag.Bool("debug", false, "Print debug output")
	flagTimeout      = flag.Duration("timeout", 2*time.Minute, "Overall time budget of the run")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	var emitter client.Emitter = &client.HumanReadable{Debug: *flagDebug}
	if *flagFormat == "json" {
		emitter = &client.JSONEmitter{Debug: *flagDebug}
	}

	cfg := client.Config{
		Server:        *flagServer,
		Scheme:        *flagScheme,
		Streams:       *flagStreams,
		Rounds:        *flagRounds,
		RoundTimeout:  *flagRoundTimeout,
		PingTransport: *flagPing,
		MeasurementID: uuid.NewString(),
		Emitter:       emitter,
		NoVerify:      *flagNoVerify,
	}
	if *flagConfig != "" {
		var err error
		cfg, err = client.LoadConfig(*flagConfig, cfg)
		rtx.Must(err, "cannot load config from %s", *flagConfig)
	}

	cl, err := client.New(clientName, version.Version, cfg)
	rtx.Must(err, "invalid configuration")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, *flagTimeout)
	defer timeoutCancel()

	directions := []spec.Direction{}
	if *flagDownload {
		directions = append(directions, spec.DirectionDownload)
	}
	if *flagUpload {
		directions = append(directions, spec.DirectionUpload)
	}

	results := runTests(ctx, cl, directions)
	emitter.OnSummary(results)

	if *flagOutput != "" {
		f, err := persistence.WriteDataFile(*flagOutput, "httpspeed", "client",
			cfg.MeasurementID, results)
		rtx.Must(err, "cannot write results")
		log.Info("Results written", "path", f.Path)
	}
}

type tester interface {
	Run(ctx context.Context, dir spec.Direction) (model.Result, error)
}

// runTests runs a test per direction, in order, and stops early once ctx is
// done.
func runTests(ctx context.Context, t tester, directions []spec.Direction) map[spec.Direction]model.Result {
	results := map[spec.Direction]model.Result{}
	for _, dir := range directions {
		result, err := t.Run(ctx, dir)
		results[dir] = result
		if err != nil {
			log.Debug("test failed", "direction", dir, "error", err)
		}
		// A cancelled test returns no error: stop before starting the next.
		if ctx.Err() != nil {
			break
		}
	}
	return results
}
