package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "starcrawler",
		Short:        "Crawl GitHub repositories by star count and track their growth",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(crawlCmd())
	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(initDBCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(gainersCmd())

	return root
}

func crawlCmd() *cobra.Command {
	var target int

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one bounded crawl and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(target)
		},
	}

	cmd.Flags().IntVar(&target, "target", -1, "repositories to collect, 0 exhausts the domain (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		interval string
		port     int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl continuously on an interval and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(interval, port)
		},
	}

	cmd.Flags().StringVar(&interval, "interval", "", "time between run starts, e.g. 6h (default: from config)")
	cmd.Flags().IntVar(&port, "port", 0, "server port, -1 disables the server (default: from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitDB()
		},
	}
}

func runsCmd() *cobra.Command {
	var (
		jsonOutput bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent crawl runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(jsonOutput, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to show")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the database tables to CSV files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(out)
		},
	}

	cmd.Flags().StringVar(&out, "out", "./export", "output directory")
	return cmd
}

func gainersCmd() *cobra.Command {
	var (
		jsonOutput bool
		days       int
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "gainers",
		Short: "Show repositories that gained the most stars recently",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGainers(jsonOutput, days, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&days, "days", 7, "look-back window in days")
	cmd.Flags().IntVar(&limit, "limit", 20, "max repositories to show")
	return cmd
}
