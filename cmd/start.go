/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/waldocoin/waldo"
	"github.com/waldocoin/waldo/api"
	"github.com/waldocoin/waldo/config"
	"github.com/waldocoin/waldo/internal/metrics"
	redis_db "github.com/waldocoin/waldo/internal/redis-db"
	trace "github.com/waldocoin/waldo/internal/traces"
	"github.com/waldocoin/waldo/internal/xrpl"
	"golang.org/x/sync/errgroup"
)

const posthogEndpoint = "https://us.i.posthog.com"

/*
newTLSServer builds an HTTPS server with certificates managed by CertMagic.
If no domain is specified, the certificate is issued for localhost.
*/
func newTLSServer(ctx context.Context, handler http.Handler, conf config.ServerConfig) (*http.Server, error) {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email

	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}
	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   handler,
		TLSConfig: cfg.TLSConfig(),
	}, nil
}

// sendHeartbeat reports the subscriber state to PostHog every few minutes until ctx is done.
func sendHeartbeat(ctx context.Context, client posthog.Client, heartbeatID string, w *waldo.Waldo) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			properties := map[string]interface{}{"timestamp": time.Now().UTC()}
			if report, err := w.Status().Report(ctx); err == nil {
				properties["subscriber_state"] = report.Subscriber.State
				properties["last_ledger"] = report.Subscriber.LastLedger
			}
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      "distributor_heartbeat",
				Properties: properties,
			}); err != nil {
				log.Printf("Failed to send heartbeat: %v", err)
			}
		}
	}()
}

func initializeTracing(ctx context.Context) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, "WALDO")
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func initializePostHog(cfg *config.Configuration) posthog.Client {
	if cfg.PostHogKey == "" {
		return nil
	}
	client, err := posthog.NewWithConfig(cfg.PostHogKey, posthog.Config{Endpoint: posthogEndpoint})
	if err != nil {
		log.Printf("PostHog disabled: %v", err)
		return nil
	}
	return client
}

func initializeObservability(ctx context.Context, cfg *config.Configuration) (posthog.Client, func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return nil, func(context.Context) error { return nil }, nil
	}

	shutdown, err := initializeTracing(ctx)
	if err != nil {
		return nil, nil, err
	}
	return initializePostHog(cfg), shutdown, nil
}

func initializeWorkerServer(conf *config.Configuration) (*asynq.Server, error) {
	opt, err := redis_db.AsynqOpt(conf.Redis)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(opt, asynq.Config{
		Concurrency: conf.Distributor.Workers,
		Queues: map[string]int{
			conf.Queue.PaymentQueue: 3,
			conf.Queue.WebhookQueue: 1,
		},
		RetryDelayFunc:  waldo.RetryDelay(conf.Distributor),
		ShutdownTimeout: time.Duration(conf.Distributor.ShutdownGraceSec) * time.Second,
		Logger:          logrus.StandardLogger(),
	}), nil
}

func initializeTaskHandlers(w *waldo.Waldo, conf *config.Configuration) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(conf.Queue.PaymentQueue, w.ProcessPaymentTask)
	mux.HandleFunc(conf.Queue.WebhookQueue, waldo.ProcessWebhook)
	return mux
}

func initializeMonitoring(conf *config.Configuration) (*http.Server, error) {
	opt, err := redis_db.AsynqOpt(conf.Redis)
	if err != nil {
		return nil, err
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})
	return &http.Server{Addr: ":" + conf.Queue.MonitoringPort, Handler: h}, nil
}

func subscriberStates() []string {
	states := make([]string, 0, len(xrpl.AllStates))
	for _, s := range xrpl.AllStates {
		states = append(states, string(s))
	}
	return states
}

// newSubscriber watches the distributor account and mirrors every state change into the
// metrics and the operator status feed. Every acknowledged subscription replays the account
// history missed since the last event.
func newSubscriber(ctx context.Context, w *waldo.Waldo, conf *config.Configuration) *xrpl.LedgerSubscriber {
	states := subscriberStates()
	return xrpl.NewLedgerSubscriber(conf.XRPL.Node, []string{conf.Distributor.WatchedAccount},
		xrpl.WithMaxBackoff(time.Duration(conf.XRPL.MaxReconnectSec)*time.Second),
		xrpl.WithPingInterval(time.Duration(conf.XRPL.PingIntervalSec)*time.Second),
		xrpl.WithStateCallback(func(state xrpl.State) {
			metrics.SetSubscriberState(string(state), states)
			if state == xrpl.StateReconnecting {
				metrics.SubscriberReconnectsTotal.Inc()
			}
			if err := w.Status().SetSubscriberState(context.Background(), string(state)); err != nil {
				logrus.WithError(err).Debug("failed to publish subscriber state")
			}
			if state == xrpl.StateSubscribed {
				go func() {
					if _, err := w.Backfill(ctx); err != nil {
						logrus.WithError(err).Warn("account history backfill failed")
					}
				}()
			}
		}),
	)
}

func serveHTTP(server *http.Server, tls bool) error {
	var err error
	if tls {
		log.Printf("Starting HTTPS server on %s", server.Addr)
		err = server.ListenAndServeTLS("", "")
	} else {
		log.Printf("Starting server on http://localhost%s", server.Addr)
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func shutdownHTTP(server *http.Server, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down %s: %v", server.Addr, err)
	}
}

func runDistributor(ctx context.Context, app *waldoInstance) error {
	cfg := app.cnf
	grace := time.Duration(cfg.Distributor.ShutdownGraceSec) * time.Second

	phClient, shutdown, err := initializeObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	var opts []waldo.Option
	if phClient != nil {
		defer phClient.Close()
		opts = append(opts, waldo.WithPostHog(phClient))
	}

	if err := app.start(ctx, opts...); err != nil {
		return err
	}
	defer app.close()
	w := app.waldo

	if phClient != nil {
		sendHeartbeat(ctx, phClient, uuid.New().String(), w)
	}

	srv, err := initializeWorkerServer(cfg)
	if err != nil {
		return err
	}
	if err := srv.Start(initializeTaskHandlers(w, cfg)); err != nil {
		return fmt.Errorf("could not start workers: %v", err)
	}

	reconciler := waldo.NewReconciler(w)
	reconciler.Start(ctx)

	var router http.Handler = api.NewAPI(w).Router()
	apiServer := &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}
	if cfg.Server.SSL {
		apiServer, err = newTLSServer(ctx, router, cfg.Server)
		if err != nil {
			return err
		}
	}

	monitoring, err := initializeMonitoring(cfg)
	if err != nil {
		return err
	}

	subscriber := newSubscriber(ctx, w, cfg)
	events := subscriber.Start(ctx)

	drained := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(drained)
		// Events are handled on a context that outlives shutdown so that a payment taken off
		// the stream is always queued or claimed.
		handleCtx := context.WithoutCancel(gctx)
		for evt := range events {
			if err := w.HandleEvent(handleCtx, evt); err != nil {
				logrus.WithError(err).WithField("tx_hash", evt.Hash).Error("failed to handle ledger event")
			}
		}
		return nil
	})
	g.Go(func() error {
		return serveHTTP(apiServer, cfg.Server.SSL)
	})
	g.Go(func() error {
		log.Printf("Asynqmon server listening on %s/monitoring", monitoring.Addr)
		return serveHTTP(monitoring, false)
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("shutting down, draining in-flight work")

		subscriber.Stop()
		<-drained
		reconciler.Stop()
		srv.Shutdown()
		w.Stop()

		shutdownHTTP(apiServer, grace)
		shutdownHTTP(monitoring, grace)
		return nil
	})

	return g.Wait()
}

// startCommands returns the command that runs the whole distributor in one process.
func startCommands(app *waldoInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the waldo distributor",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runDistributor(ctx, app); err != nil {
				log.Fatal(err)
			}
		},
	}
	return cmd
}

