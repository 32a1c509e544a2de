package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/qbloq/askdb/core"
	"github.com/qbloq/askdb/serv"
)

var (
	checkTenant     string
	checkConnection string
)

// checkCmd is the cobra CLI command for the check subcommand
func checkCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "check",
		Short: "Test configured database connections",
		Run:   cmdCheck,
	}
	c.Flags().StringVar(&checkTenant, "tenant", "", "tenant id")
	c.Flags().StringVar(&checkConnection, "connection", "", "connection id, all when omitted")
	cobra.CheckErr(c.MarkFlagRequired("tenant"))
	return c
}

// cmdCheck is the handler for the check subcommand
func cmdCheck(*cobra.Command, []string) {
	setup(cpath)

	s, err := serv.NewService(conf)
	if err != nil {
		log.Fatalf("%s", err)
	}
	defer s.Close()

	ctx := context.Background()
	id := core.Identity{TenantID: checkTenant}

	var conns []*core.Connection
	if checkConnection != "" {
		c, err := s.GetConnection(ctx, id, checkConnection)
		if err != nil {
			log.Fatalf("%s", err)
		}
		conns = append(conns, c)
	} else {
		if conns, err = s.ListConnections(ctx, id); err != nil {
			log.Fatalf("%s", err)
		}
	}

	failed := 0
	for _, c := range conns {
		if err := s.TestConnection(ctx, id, c.ID); err != nil {
			log.Errorf("%s (%s): %s", c.Name, c.EngineType, err)
			failed++
			continue
		}
		log.Infof("%s (%s): ok", c.Name, c.EngineType)
	}

	if failed > 0 {
		log.Fatalf("%d of %d connections failed", failed, len(conns))
	}
}
