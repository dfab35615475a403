package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/reversetunnel/tunnel/configs"
	"github.com/reversetunnel/tunnel/internal/server"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file, overridden by environment variables")
	flag.Parse()

	_ = godotenv.Load()

	fileCfg, err := config.LoadFile(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config file")
	}
	cfg := config.Resolve(fileCfg)

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("value", cfg.LogLevel).Warn("unrecognized LOG_LEVEL, defaulting to info")
	}

	srv := server.New(server.Options{
		DomainBase:        cfg.DomainBase,
		RequestsPerMinute: cfg.RequestsPerMinute,
		LogAllRequests:    cfg.LogAllRequests,
	}, log)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.WithFields(logrus.Fields{
		"addr":       addr,
		"domainBase": cfg.DomainBase,
	}).Info("starting tunnel server")

	if err := srv.ListenAndServe(addr); err != nil {
		log.WithError(err).Fatal("tunnel server exited")
		os.Exit(1)
	}
}
