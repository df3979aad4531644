package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	var (
		port      = flag.String("port", "", "Web interface port")
		host      = flag.String("host", "0.0.0.0", "Web interface host")
		uploadDir = flag.String("upload-dir", "uploads", "Directory for uploaded .gcode files")
	)
	flag.Parse()

	settings, err := OpenSettingsProvider(getDBFilePath())
	if err != nil {
		log.Fatalf("failed to open settings provider: %v", err)
	}
	defer settings.Close()

	config, err := LoadConfig(settings, *port)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(*uploadDir, 0o755); err != nil {
		log.Fatalf("failed to create upload directory: %v", err)
	}

	dist := NewDistributor()
	defer dist.Close()

	stop := make(chan struct{})
	settings.StartTokenCleanup(time.Hour, stop)
	defer close(stop)

	hub := newWebSocketHub(nil)
	supervisor := NewSupervisor(dist, hub, settings)
	hub.snapshotFn = func() StateSnapshot { return supervisor.snapshotOrZero() }
	go hub.run()

	server := NewServer(supervisor, settings, *uploadDir, hub)

	go supervisor.Run()

	if err := supervisor.Boot(); err != nil {
		log.Printf("auto-connect at boot failed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		fmt.Printf("gcodebridge listening on http://%s:%s\n", *host, config.WebPort)
		if err := server.Run(config.WebPort); err != nil {
			log.Fatalf("web server error: %v", err)
		}
	}()

	<-sigChan
	fmt.Println("shutting down...")
	supervisor.Disconnect()
}
