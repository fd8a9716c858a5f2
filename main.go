package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ftl/affogato/core/app"
	"github.com/ftl/affogato/core/cfg"
)

func main() {
	configuration, err := cfg.Load()
	if err != nil {
		log.Println(err)
		configuration = cfg.Static()
	}

	controller := app.New(configuration)
	controller.Startup()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals

	controller.Shutdown()
}
