package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/idvault/ticket-service-backend/attributes"
	"github.com/idvault/ticket-service-backend/common"
	"github.com/idvault/ticket-service-backend/httpserver"
	"github.com/idvault/ticket-service-backend/identities"
	"github.com/idvault/ticket-service-backend/interfaces"
	"github.com/idvault/ticket-service-backend/recordstore"
	"github.com/idvault/ticket-service-backend/ticketindex"
	"github.com/idvault/ticket-service-backend/tickets"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "record-store",
		Value: "memory://",
		Usage: "record store URI: memory://, file:///path, s3://bucket?region=.., vault://host:8200/mount/path?token=..",
	},
	&cli.StringFlag{
		Name:  "ticket-index",
		Value: "memory://",
		Usage: "ticket index URI: memory:// or file:///path",
	},
	&cli.StringFlag{
		Name:     "identity-dir",
		Required: true,
		Usage:    "directory with hex-encoded secp256k1 identity key files, one per identity",
	},
	&cli.StringFlag{
		Name:  "resolver",
		Value: "local",
		Usage: "name resolver for consuming tickets: 'local' (shared record store) or dns://server:port?suffix=..",
	},
	&cli.StringFlag{
		Name:  "dns-listen-addr",
		Value: "",
		Usage: "if set, serve public zone records over DNS on this UDP address",
	},
	&cli.StringFlag{
		Name:  "dns-suffix",
		Value: "zones.local.",
		Usage: "DNS suffix zone names are published under",
	},
	&cli.Int64Flag{
		Name:  "ticket-expiration-days",
		Value: 30,
		Usage: "lifetime of issued ticket records in days",
	},
	&cli.Int64Flag{
		Name:  "consume-timeout-seconds",
		Value: 180,
		Usage: "guard timer bounding a single ticket consumption",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

// buildResolver selects the consumer-side name resolver. "local"
// reads the shared record store directly; a dns:// URI queries a
// remote zone publisher.
func buildResolver(uri, defaultSuffix string, store interfaces.RecordStore, ids *identities.Manager, logger *slog.Logger) (interfaces.NameResolver, error) {
	if uri == "local" {
		local := recordstore.NewLocalResolver(store, logger)
		for _, id := range ids.List() {
			local.Register(id.Key)
		}
		return local, nil
	}

	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme != "dns" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid resolver %q: want 'local' or dns://server:port", uri)
	}
	suffix := parsed.Query().Get("suffix")
	if suffix == "" {
		suffix = defaultSuffix
	}
	return recordstore.NewDNSResolver(parsed.Host, suffix, logger), nil
}

func main() {
	app := &cli.App{
		Name:  "ticketd",
		Usage: "Serve the attribute sharing and capability ticket API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			recordStoreURI := cCtx.String("record-store")
			ticketIndexURI := cCtx.String("ticket-index")
			identityDir := cCtx.String("identity-dir")
			dnsListenAddr := cCtx.String("dns-listen-addr")
			dnsSuffix := cCtx.String("dns-suffix")
			ticketExpiration := time.Duration(cCtx.Int64("ticket-expiration-days")) * 24 * time.Hour
			consumeTimeout := time.Duration(cCtx.Int64("consume-timeout-seconds")) * time.Second
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			ids, err := identities.NewManager(identityDir, logger)
			if err != nil {
				logger.Error("Failed to load identities", "err", err)
				return err
			}
			logger.Info("Identities loaded", "count", len(ids.List()))

			storeLoc, err := interfaces.NewStoreLocation(recordStoreURI)
			if err != nil {
				logger.Error("Invalid record store URI", "err", err)
				return err
			}
			store, err := recordstore.NewFactory(logger).RecordStoreFor(storeLoc)
			if err != nil {
				logger.Error("Failed to create record store", "err", err)
				return err
			}
			logger.Info("Record store ready", "store", store.Name())

			indexLoc, err := interfaces.NewStoreLocation(ticketIndexURI)
			if err != nil {
				logger.Error("Invalid ticket index URI", "err", err)
				return err
			}
			index, err := ticketindex.NewFactory(logger).TicketIndexFor(indexLoc)
			if err != nil {
				logger.Error("Failed to create ticket index", "err", err)
				return err
			}

			resolver, err := buildResolver(cCtx.String("resolver"), dnsSuffix, store, ids, logger)
			if err != nil {
				logger.Error("Failed to create name resolver", "err", err)
				return err
			}

			bootstrap := attributes.NewBootstrap(store, logger)
			attrs := attributes.NewManager(store, bootstrap, logger)
			issuer := tickets.NewIssuer(store, bootstrap, index, ticketExpiration, logger)
			consumer := tickets.NewConsumer(resolver, index, consumeTimeout, logger)
			revoker := tickets.NewRevoker(store, attrs, bootstrap, index, logger)

			handler := httpserver.NewHandler(ids, attrs, issuer, consumer, revoker, index, logger)

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}
			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			dnsCtx, stopDNS := context.WithCancel(context.Background())
			defer stopDNS()
			if dnsListenAddr != "" {
				publisher := recordstore.NewZonePublisher(store, dnsSuffix, logger)
				for _, id := range ids.List() {
					publisher.Register(id.Key)
				}
				go func() {
					logger.Info("Starting DNS zone publisher", "listenAddress", dnsListenAddr, "suffix", dnsSuffix)
					if err := publisher.ListenAndServe(dnsCtx, dnsListenAddr); err != nil {
						logger.Error("DNS zone publisher failed", "err", err)
					}
				}()
			}

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			stopDNS()
			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
