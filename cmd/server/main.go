package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/nullcore1024/RTCPilot/internal/config"
	"github.com/nullcore1024/RTCPilot/internal/eventlog"
	"github.com/nullcore1024/RTCPilot/internal/handler"
	"github.com/nullcore1024/RTCPilot/internal/metrics"
	"github.com/nullcore1024/RTCPilot/internal/pilot"
	"github.com/nullcore1024/RTCPilot/internal/relay"
	"github.com/nullcore1024/RTCPilot/internal/room"
	"github.com/nullcore1024/RTCPilot/internal/sdp"
	"github.com/nullcore1024/RTCPilot/internal/transport"
)

const censusInterval = 5 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	log := logrus.NewEntry(logger).WithField("service", cfg.Service.Name)
	log.Infof("starting %s (%s)", cfg.Service.Name, cfg.Service.Environment)

	var evl eventlog.Sink = eventlog.Nop{}
	if cfg.EventLog.Path != "" {
		fileSink, err := eventlog.NewFileSink(cfg.EventLog.Path)
		if err != nil {
			log.Fatalf("Failed to open event log: %v", err)
		}
		defer fileSink.Close()
		evl = fileSink
	}

	fingerprint, err := transport.NewCertificateFingerprint()
	if err != nil {
		log.Fatalf("Failed to generate DTLS certificate: %v", err)
	}

	ports, err := relay.NewPortAllocator(cfg.Relay.PortMin, cfg.Relay.PortMax)
	if err != nil {
		log.Fatalf("Failed to build relay port allocator: %v", err)
	}

	candidates := make([]sdp.Candidate, 0, len(cfg.ICE.Candidates))
	for _, c := range cfg.ICE.Candidates {
		candidates = append(candidates, sdp.Candidate{
			IP:         c.IP,
			Port:       c.Port,
			Foundation: c.Foundation,
			Priority:   c.Priority,
		})
	}

	collector := metrics.NewPrometheusCollector()

	// Pilot client and room manager reference each other: the manager sends
	// requests through the client, the client routes inbound traffic back.
	// The router is filled in before Run starts reading.
	router := &managerRouter{}
	pilotClient := pilot.NewClient(cfg.Pilot.URL, cfg.Pilot.ReconnectInterval, router, log)
	mgr := room.NewManager(pilotClient, room.Options{
		RelayBindIP:        cfg.Relay.BindIP,
		AdvertiseIP:        cfg.Relay.AdvertiseIP,
		Candidates:         candidates,
		RecvDiscardPercent: cfg.Relay.RecvDiscardPercent,
		SendDiscardPercent: cfg.Relay.SendDiscardPercent,
		Ports:              ports,
		Fingerprint:        fingerprint,
		EventLog:           evl,
		Logger:             log,
	})
	router.mgr = mgr
	go pilotClient.Run()

	stopCensus := make(chan struct{})
	go metrics.PollCensus(collector, mgr, censusInterval, stopCensus)

	sigHandler := handler.NewSignalingHandler(mgr, collector, log)
	httpRouter := mux.NewRouter()
	sigHandler.SetupRoutes(httpRouter, cfg.HTTP.WsPath)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      httpRouter,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Infof("http server listening on %s", cfg.HTTP.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infof("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warnf("http shutdown error: %v", err)
	}
	close(stopCensus)
	pilotClient.Close()
	mgr.Close()
	log.Infof("shutdown complete")
}

// managerRouter bridges inbound pilot traffic to the room manager.
type managerRouter struct {
	mgr *room.Manager
}

func (r *managerRouter) HandlePilotNotification(roomID, method string, data json.RawMessage) {
	r.mgr.HandlePilotNotification(roomID, method, data)
}

func (r *managerRouter) HandlePilotResponse(roomID string, id int64, method string, data json.RawMessage) {
	r.mgr.HandlePilotResponse(roomID, id, method, data)
}
