package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Baelrayne/BrowserHost/internal/infrastructure/config"
	"github.com/Baelrayne/BrowserHost/internal/server"
)

func main() {
	cfg := config.LoadOrDefault()

	// Flags override the environment for local runs.
	port := flag.String("port", cfg.Server.Port, "Channel listener port")
	host := flag.String("host", cfg.Server.Host, "Channel listener host")
	parentPID := flag.Int("parent-pid", cfg.Watchdog.ParentPID, "Host process pid for liveness monitoring (0 disables)")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Server.Host = *host
	cfg.Watchdog.ParentPID = *parentPID

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	select {
	case <-sigChan:
		srv.Close()
	case err := <-errChan:
		if err != nil {
			srv.Close()
			log.Fatalf("server error: %v", err)
		}
	}
}
