package main

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/farellandr/spoticket-gate/config"
	"github.com/farellandr/spoticket-gate/internal/server"
)

func main() {
	flagSet := pflag.NewFlagSet("spoticket-gate", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML config file")
	envFile := flagSet.String("env-file", ".env", "dotenv file loaded before the environment is read")
	port := flagSet.String("port", "", "listen port, overrides PORT")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Invalid arguments: %v", err)
	}

	if err := godotenv.Load(*envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Fatalf("Error loading %s: %v", *envFile, err)
		}
		log.Printf("No %s file found, using the process environment", *envFile)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Port = *port
	}

	if err := server.Start(cfg); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
