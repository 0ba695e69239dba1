// Command `scry` is the end-user CLI for the Scry daemon.
//
// Scry is an asynchronous DNS resolution daemon. The CLI communicates with
// a background daemon (scryd) that performs resolutions and keeps watched
// names fresh through TTL-driven re-resolution.
//
// Usage:
//
//	scry resolve <name>...            - Resolve one or more hostnames
//	scry resolve-srv <name>           - Resolve a service (SRV) name
//	scry watch <name>                 - Keep a name's endpoints fresh
//	scry unwatch <id|name>            - Stop tracking a name
//	scry list                         - List all watched names
//
// Examples:
//
//	scry resolve example.com example.org
//	scry resolve --family v6 example.com
//	scry resolve-srv _grpc._tcp.example.com
//	scry watch --kind srv _grpc._tcp.example.com
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lc/scry/internal/buildinfo"
	"github.com/lc/scry/internal/config"
	"github.com/lc/scry/pkg/api"
	"github.com/lc/scry/pkg/client"
)

func main() {
	cfg, err := config.New().Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cli := client.New(cfg.Socket.Path)

	var family string

	root := &cobra.Command{
		Use:   "scry",
		Short: "Scry DNS resolution CLI",
		Long: `Scry is an asynchronous DNS resolution daemon.
The CLI talks to the scryd daemon, which resolves names on demand and keeps
watched names fresh by re-resolving them as their TTLs expire.`,
	}
	root.PersistentFlags().StringVarP(&family, "family", "f", "auto", "address family: v4, v6 or auto")

	// ---- version command ----
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("version: %s\n", buildinfo.Version)
			fmt.Printf("commit: %s\n", buildinfo.Commit)
		},
	}

	// ---- resolve command ----
	resolveCmd := &cobra.Command{
		Use:   "resolve <name>...",
		Short: "Resolve one or more hostnames",
		Long: `Resolve one or more hostnames through the daemon.
Multiple names are resolved concurrently.

Examples:
  scry resolve example.com
  scry resolve --family v6 example.com example.org`,
		Example: "scry resolve example.com example.org",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
			defer cancel()

			type result struct {
				name    string
				records []api.RecordDTO
			}
			results := make([]result, len(args))

			g, gctx := errgroup.WithContext(ctx)
			for i, name := range args {
				i, name := i, name
				g.Go(func() error {
					resp, err := cli.Resolve(gctx, name, family)
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
					results[i] = result{name: name, records: resp.Records}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Name", "Address", "TTL"})
			table.SetHeaderColor(
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
			)
			table.SetBorder(false)
			for _, res := range results {
				if len(res.records) == 0 {
					table.Append([]string{res.name, "-", "-"})
					continue
				}
				for _, rec := range res.records {
					table.Append([]string{res.name, rec.Address, rec.TTL.String()})
				}
			}
			table.Render()
			return nil
		},
	}

	// ---- resolve-srv command ----
	resolveSrvCmd := &cobra.Command{
		Use:   "resolve-srv <name>",
		Short: "Resolve a service (SRV) name to endpoints",
		Long: `Resolve a service name: the daemon looks up the SRV records, resolves
every target, and returns the aggregated host:port endpoints.`,
		Example: "scry resolve-srv _grpc._tcp.example.com",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
			defer cancel()

			resp, err := cli.ResolveSrv(ctx, args[0], family)
			if err != nil {
				return err
			}
			if len(resp.Instances) == 0 {
				color.Yellow("No endpoints found for %s.", args[0])
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Endpoint", "Weight"})
			table.SetBorder(false)
			for _, inst := range resp.Instances {
				table.Append([]string{inst.Address, fmt.Sprintf("%d", inst.Weight)})
			}
			table.Render()
			return nil
		},
	}

	// ---- watch command ----
	var watchKind string
	watchCmd := &cobra.Command{
		Use:   "watch <name>",
		Short: "Keep a name's endpoints fresh",
		Long: `Register a name with the daemon for periodic re-resolution.
The daemon refreshes the endpoints as record TTLs expire and keeps the
latest set available via 'scry list'.`,
		Example: "scry watch --kind srv _grpc._tcp.example.com",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			resp, err := cli.Watch(ctx, args[0], watchKind, family)
			if err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Printf("✓ Watching ")
			color.New(color.FgHiGreen, color.Bold).Printf("%s ", args[0])
			color.New(color.FgGreen).Printf("(id %s)\n", resp.ID)
			return nil
		},
	}
	watchCmd.Flags().StringVar(&watchKind, "kind", "host", "watch kind: host or srv")

	// ---- unwatch command ----
	unwatchCmd := &cobra.Command{
		Use:     "unwatch <id|name>",
		Short:   "Stop tracking a name",
		Example: "scry unwatch example.com",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := cli.Unwatch(ctx, args[0]); err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Printf("✓ Stopped watching ")
			color.New(color.FgHiGreen, color.Bold).Printf("%s\n", args[0])
			return nil
		},
	}

	// ---- list command ----
	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List currently watched names",
		Long:    `List all watched names with their latest resolved endpoints.`,
		Example: "scry list",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			watches, err := cli.Watches(ctx)
			if err != nil {
				return err
			}
			if len(watches) == 0 {
				color.Yellow("No watched names.")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Name", "Kind", "Family", "Endpoints", "Resolved"})
			table.SetHeaderColor(
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
			)
			table.SetBorder(false)

			for _, w := range watches {
				endpoints := "-"
				if len(w.Endpoints) > 0 {
					endpoints = strings.Join(w.Endpoints, ", ")
				}
				resolved := "never"
				if !w.ResolvedAt.IsZero() {
					resolved = w.ResolvedAt.Format(time.RFC3339)
				}
				table.Append([]string{w.ID, w.Name, w.Kind, w.Family, endpoints, resolved})
			}

			color.New(color.Bold).Println("WATCHED NAMES:")
			table.Render()
			return nil
		},
	}

	// ---- status command ----
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			st, err := cli.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("watches: %d\n", st.Watches)
			fmt.Printf("uptime: %s\n", st.Uptime.Round(time.Second))
			fmt.Printf("version: %s (%s)\n", st.Version, st.Commit)
			return nil
		},
	}

	root.AddCommand(resolveCmd, resolveSrvCmd, watchCmd, unwatchCmd, listCmd, statusCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

