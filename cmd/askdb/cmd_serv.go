package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qbloq/askdb/serv"
)

// servCmd is the cobra CLI command for the serve subcommand
func servCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"serv"},
		Short:   "Run the askdb service",
		Run:     cmdServ,
	}
}

// cmdServ is the handler for the serve subcommand. It keeps the service
// resident with its pools warm and the audit sweep running until the
// process is interrupted. Request transport is provided by the program
// embedding the service.
func cmdServ(*cobra.Command, []string) {
	setup(cpath)

	s, err := serv.NewService(conf)
	if err != nil {
		log.Fatalf("%s", err)
	}
	defer s.Close()

	s.StartAuditSweep()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	<-sigint

	log.Info("shutdown signal received")
}
