package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"nexus/server/internal/agent"
	"nexus/server/internal/command"
	"nexus/server/internal/config"
	"nexus/server/internal/connmgr"
	"nexus/server/internal/coordinator"
	"nexus/server/internal/driver"
	"nexus/server/internal/gateway"
	"nexus/server/internal/historydb"
	"nexus/server/internal/lifecycle"
	"nexus/server/internal/logging"
	"nexus/server/internal/taskbus"
)

var version = "dev"

func main() {
	app := command.BuildApp(command.Deps{
		RunServe:     runServe,
		RunMigrateUp: runMigrateUp,
		ListDevices:  listDevices,
	})
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Component: "nexus"})
	logger.Info("starting", "version", version, "addr", cfg.ListenHost, "port", cfg.ListenPort)

	gdb, err := historydb.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	history, err := historydb.NewStore(gdb)
	if err != nil {
		_ = historydb.Close(gdb)
		return err
	}

	settingsStore := config.NewSettingsStore(cfg.ConfigDir)
	settings, err := settingsStore.LoadOrInit()
	if err != nil {
		_ = historydb.Close(gdb)
		return err
	}

	completer := agent.NewClient(agent.OpenAIConfig{
		BaseURL: cfg.OpenAIEndpoint,
		Model:   cfg.OpenAIModel,
		APIKey:  cfg.OpenAIAPIKey,
	}, nil)

	adb := driver.NewADBDriver(&driver.RealExec{}, nil, logger)
	manager := connmgr.NewManager(connmgr.Options{
		Driver:        adb,
		Completer:     completer,
		Store:         settingsStore,
		Settings:      settings,
		Logger:        logger,
		Containerized: cfg.Containerized,
	})

	bus := taskbus.New()
	coord, err := coordinator.New(coordinator.Options{
		Devices:       manager,
		Planner:       agent.NewOpenAIPlanner(completer, logger),
		Bus:           bus,
		Runs:          history,
		BaseReportDir: cfg.BaseReportDir,
		Logger:        logger,
		RecordMessage: func(userID, sessionID, taskID, role, content string) error {
			_, err := history.AppendMessage(userID, sessionID, taskID, role, content)
			return err
		},
	})
	if err != nil {
		_ = historydb.Close(gdb)
		return err
	}

	api := gateway.NewServer(gateway.Deps{
		Tasks:          coord,
		History:        history,
		Connections:    manager,
		Bus:            bus,
		Logger:         logger,
		Tokens:         cfg.APITokens,
		AllowedOrigins: cfg.AllowedOrigins,
		BaseReportDir:  cfg.BaseReportDir,
		Debug:          cfg.Debug,
	})

	httpServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort)),
		Handler: api.Handler(),
	}

	mgr := lifecycle.NewManager()
	mgr.AddRun("http", func(runCtx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- httpServer.ListenAndServe()
		}()
		select {
		case <-runCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})
	mgr.AddShutdown("gateway", func(context.Context) error {
		api.Close()
		return nil
	})
	mgr.AddShutdown("coordinator", func(context.Context) error {
		coord.Close()
		return nil
	})
	mgr.AddShutdown("device", func(shutdownCtx context.Context) error {
		if manager.State() == connmgr.StateDisconnected {
			return nil
		}
		return manager.Disconnect(shutdownCtx)
	})
	mgr.AddShutdown("history-db", func(context.Context) error {
		return historydb.Close(gdb)
	})
	return mgr.StartAndWait(ctx, os.Interrupt, syscall.SIGTERM)
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	gdb, err := historydb.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	return historydb.Close(gdb)
}

func listDevices(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Component: "nexus"})
	adb := driver.NewADBDriver(&driver.RealExec{}, nil, logger)
	discoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	devices, err := adb.Discover(discoverCtx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}
