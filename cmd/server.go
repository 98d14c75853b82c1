package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/respire/puma"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var config *puma.Config

func init() {
	configFilePath := flag.String("c", "config.toml", "path to configuration file.")
	flag.Parse()
	config = puma.LoadConfig(*configFilePath)
	initLog(config)
}

func initLog(config *puma.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil || config.Global.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func buildSink(ctx context.Context) puma.EventSink {
	var sink puma.EventSink = puma.LogSink{}
	if config.Events.KafkaBrokers != "" {
		kafkaSink, err := puma.NewKafkaEventSink(ctx, config.Events)
		if err != nil {
			log.Fatal().Msgf("can't init kafka event router: %+v", err)
		}
		sink = kafkaSink
	}
	if config.Events.DedupTtlSec > 0 {
		deduped, err := puma.NewDedupSink(sink, time.Duration(config.Events.DedupTtlSec)*time.Second)
		if err != nil {
			log.Fatal().Msgf("can't init event dedup cache: %+v", err)
		}
		sink = deduped
	}
	return sink
}

func main() {
	log.Info().Msg("starting reactor...")
	puma.RaiseOpenFileLimit(100000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reactor, err := puma.NewReactor(config.Reactor, pool{}, buildSink(ctx))
	if err != nil {
		log.Fatal().Msgf("can't init reactor: %+v", err)
	}
	reactor.RunInThread()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down reactor...")
	reactor.Shutdown()
}

// pool is a stand-in executor: real deployments embed the reactor next to
// their worker pool and pass that in instead.
type pool struct{}

func (pool) Submit(c puma.Connection) error {
	go func() {
		defer c.Close()
		log.Info().Msgf("request completed on connection [%s]", c.RemoteAddr())
	}()
	return nil
}
