package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qbloq/askdb/core"
	"github.com/qbloq/askdb/serv"
)

var (
	askTenant     string
	askUser       string
	askRole       string
	askConnection string
	askPreview    bool
	askConfirm    bool
	askEstimate   bool
)

// askCmd is the cobra CLI command for the ask subcommand
func askCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "ask <question>",
		Short: "Translate a question and run it against a connection",
		Args:  cobra.MinimumNArgs(1),
		Run:   cmdAsk,
	}
	c.Flags().StringVar(&askTenant, "tenant", "", "tenant id")
	c.Flags().StringVar(&askUser, "user", "", "user id")
	c.Flags().StringVar(&askRole, "role", "analyst", "user role shown to the model")
	c.Flags().StringVar(&askConnection, "connection", "", "connection id")
	c.Flags().BoolVar(&askPreview, "preview", false, "run capped to a handful of rows")
	c.Flags().BoolVar(&askConfirm, "confirm", false, "acknowledge an expensive query warning")
	c.Flags().BoolVar(&askEstimate, "estimate", false, "translate and estimate cost without executing")
	cobra.CheckErr(c.MarkFlagRequired("tenant"))
	cobra.CheckErr(c.MarkFlagRequired("connection"))
	return c
}

// cmdAsk is the handler for the ask subcommand
func cmdAsk(_ *cobra.Command, args []string) {
	setup(cpath)

	s, err := serv.NewService(conf)
	if err != nil {
		log.Fatalf("%s", err)
	}
	defer s.Close()

	ctx := context.Background()
	id := core.Identity{UserID: askUser, TenantID: askTenant, Role: askRole}
	question := strings.Join(args, " ")

	if askEstimate {
		t, err := s.Estimate(ctx, id, core.TranslateRequest{
			ConnectionID: askConnection,
			Question:     question,
		})
		if err != nil {
			log.Fatalf("%s", err)
		}
		printJSON(t)
		return
	}

	req := core.ExecuteRequest{
		ConnectionID: askConnection,
		Question:     question,
		Confirmed:    askConfirm,
	}

	var resp *core.ExecuteResponse
	if askPreview {
		resp, err = s.Preview(ctx, id, req)
	} else {
		resp, err = s.Execute(ctx, id, req)
	}
	if err != nil {
		log.Fatalf("%s", err)
	}

	if resp.RequiresConfirmation {
		fmt.Fprintf(os.Stderr,
			"estimated cost %.2f exceeds the threshold, re-run with --confirm\n",
			resp.Translation.EstimatedCost)
		printJSON(resp.Translation)
		os.Exit(1)
	}

	printJSON(resp)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("%s", err)
	}
	fmt.Println(string(out))
}
