// Command tabsyncd runs the cross-tab sync coordinator: one process,
// shared by every browser tab open against a given database, exposing a
// WebSocket endpoint each tab's MessagePort-equivalent connects to
// (spec.md §1, §10).
package main

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/powersync/tabsync/internal/coordinator"
	"github.com/powersync/tabsync/pkg/config"
	"github.com/powersync/tabsync/pkg/logging"
	"github.com/powersync/tabsync/pkg/monitoring"
	"github.com/powersync/tabsync/pkg/server"
	"github.com/powersync/tabsync/pkg/version"
)

const serviceName = "tabsyncd"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)

	sink := logging.NewSink()
	logger.AddHook(sink)

	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GetShortCommit())
	coordinatorMetrics := coordinator.NewMetrics(metricsCollector)

	root := coordinator.NewWorkerRoot(logger, sink, coordinatorMetrics)

	healthChecker := monitoring.NewHealthChecker(serviceName, version.GetShortCommit())
	healthChecker.AddCheck("runners", func() monitoring.CheckResult {
		return monitoring.CheckResult{
			Status:  monitoring.StatusHealthy,
			Message: fmt.Sprintf("%d active sync runners", root.RunnerCount()),
		}
	})

	router := server.SetupRouter(logger, serviceName, healthChecker, metricsCollector)
	router.GET("/ws", wsHandler(root, logger))

	cfg := server.DefaultConfig(serviceName, "8765")
	if err := server.Start(cfg, router, logger); err != nil {
		logger.WithError(err).Fatal("tabsyncd: server exited with error")
	}
}

// wsHandler upgrades the HTTP request to a WebSocket and hands the
// resulting connection to the worker root as a new connected client. Each
// browser tab opens exactly one of these.
func wsHandler(root *coordinator.WorkerRoot, logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.WithError(err).Warn("tabsyncd: websocket upgrade failed")
			return
		}
		root.Accept(conn)
	}
}
