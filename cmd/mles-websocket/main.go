package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/mles-io/mles-websocket/pkg/server"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "~/.mles-websocket/config.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging and HTTP access logs")
	mode := flag.String("mode", "", "Override the configured mode (relay or hub)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mles-websocket %s\n", version)
		return
	}

	// A missing .env is normal
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *mode != "" {
		tomlConfig.Server.Mode = *mode
	}

	config, err := tomlConfig.ToServerConfig()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	config.Debug = *debug

	if err := server.InitLoggers(*debug); err != nil {
		log.Fatalf("Failed to initialize loggers: %v", err)
	}

	printBanner(config)

	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel)
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Stop()
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		log.Printf("Received %s, shutting down", sig)
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

func printBanner(config server.ServerConfig) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgYellow)

	title.Printf("mles-websocket %s\n", version)
	label.Print("  mode:    ")
	fmt.Println(config.Mode)
	label.Print("  listen:  ")
	fmt.Printf(":%d\n", config.HTTPPort)
	label.Print("  backend: ")
	if config.BackendAddress == "" {
		fmt.Println("none")
	} else {
		fmt.Println(config.BackendAddress)
	}
	if config.TLSEnabled {
		label.Print("  tls:     ")
		fmt.Printf("%s on :%d\n", config.Domain, config.HTTPSPort)
	}
}
