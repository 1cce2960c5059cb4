package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"chronos/cluster"
	"chronos/db"
	"chronos/handlers"
	"chronos/logger"
	"chronos/models"
	"chronos/peer"
	"chronos/replication"
	"chronos/repository"
	"chronos/resync"
	"chronos/routers"
	"chronos/store"
)

func main() {
	// Load config
	viper.SetConfigFile("config/config.yaml")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}

	appLogFile := viper.GetString("log.app_log_file")
	logLevel := viper.GetString("log.level")

	if err := logger.InitLogger(appLogFile, logLevel); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}

	self := viper.GetString("cluster.self")
	logger.Logger.Info("Starting Chronos node", zap.String("self", self))

	// Connect to LevelDB
	leveldbPath := viper.GetString("leveldb.path")
	ldb, err := db.NewLevelDB(leveldbPath)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	// Initialize repository
	timerRepo := repository.NewTimerRepository(ldb)

	// Cluster view from config
	view := cluster.NewView(self,
		viper.GetStringSlice("cluster.staying"),
		viper.GetStringSlice("cluster.leaving"),
		viper.GetStringSlice("cluster.joining"),
		viper.GetString("cluster.view_id"))
	replicaFactor := viper.GetInt("cluster.replica_factor")

	httpTimeout := time.Duration(viper.GetInt("resync.http_timeout_ms")) * time.Millisecond

	// Replication fan-out, including any configured remote sites
	var sites []*replication.GRConnection
	for _, site := range viper.GetStringSlice("replication.gr_sites") {
		sites = append(sites, replication.NewGRConnection(site, httpTimeout))
	}
	replicator := replication.NewHTTPReplicator(httpTimeout, viper.GetInt("replication.workers"), sites)
	defer replicator.Stop()

	// Timer store with HTTP callback pops
	callbackTimeout := time.Duration(viper.GetInt("callback.timeout_ms")) * time.Millisecond
	timerStore, err := store.NewTimerStore(timerRepo, self, store.NewHTTPPopper(callbackTimeout))
	if err != nil {
		logger.Logger.Fatal("Failed to load timer store", zap.Error(err))
	}
	timerStore.SetOnPopComplete(func(rec *models.TimerRecord) {
		// Push the rescheduled next pop to the other replicas so their skewed
		// backup pops move forward with it.
		wire := rec.Timer
		wire.Timing.StartTimeDelta = rec.NextPop - time.Now().UnixMilli()
		for _, n := range rec.Timer.Reliability.Replicas {
			if n == self {
				continue
			}
			replicator.ReplicateTimerToNode(replication.Live{ID: rec.ID, Timer: wire}, n)
		}
	})
	timerStore.Start()
	defer timerStore.Stop()

	// Resync coordinator
	pageSize := viper.GetInt("resync.page_size")
	peerClient := peer.NewClient(httpTimeout, pageSize)
	coordinator := resync.NewCoordinator(view, peerClient, timerStore, replicator)
	coordinator.SetCounters(&resync.AtomicCounter{}, &resync.AtomicCounter{}, &resync.AtomicGauge{})

	// Initialize HTTP handlers
	h := handlers.NewHandler(timerStore, view, replicator, coordinator, replicaFactor, pageSize)

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: r,
	}

	resyncCtx, cancelResync := context.WithCancel(context.Background())
	defer cancelResync()

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", viper.GetInt("server.port")))

	// A node starting mid-scale pulls its timers from the cluster right away
	if view.Snapshot().ScalePending() {
		go coordinator.Resynchronize(resyncCtx)
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	cancelResync()
	srv.Close()
}
