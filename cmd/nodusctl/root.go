package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/nodus/internal/config"
	"github.com/danmuck/nodus/internal/definition"
	"github.com/danmuck/nodus/internal/faults"
	"github.com/danmuck/nodus/internal/logging"
	"github.com/danmuck/nodus/internal/observability"
	"github.com/danmuck/nodus/internal/server"
)

func newRootCmd() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:           "nodusctl",
		Short:         "Host isolated services behind REST and WebSocket interfaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(flags.envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			logging.ConfigureRuntime("nodusctl")
			if flags.logLevel != "" && !logging.SetLevel(flags.logLevel) {
				return faults.Errorf(faults.InvalidConfig, faults.Data{"loglevel": flags.logLevel},
					"unknown log level %q", flags.logLevel)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.logLevel, "loglevel", "", "log level (trace, debug, info, warn, error, disabled)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file loaded before anything else (default .env)")

	root.AddCommand(newServeCmd(&flags), newDescribeCmd(), newInitCmd(), newVersionCmd())
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var shutdown time.Duration
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Start every service and interface in a server file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(args)
			cfg, err := loadServerConfig(path, *flags)
			if err != nil {
				return err
			}
			gin.SetMode(gin.ReleaseMode)
			observability.RegisterMetrics()

			srv, err := server.FromConfig(cfg, server.WithObserver(observability.NewEventObserver()))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return err
			}
			log.Info().Str("config", path).Strs("services", srv.Services()).
				Strs("interfaces", srv.Interfaces()).Msg("nodus server running")

			<-ctx.Done()
			log.Info().Msg("shutting down")
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdown)
			defer cancel()
			return srv.Stop(stopCtx)
		},
	}
	cmd.Flags().DurationVar(&shutdown, "shutdown-timeout", 30*time.Second, "bound on graceful shutdown")
	return cmd
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <definition|config>",
		Short: "Print the commands of a definition file or the contents of a server file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if def, err := definition.Load(path); err == nil {
				renderDefinition(cmd.OutOrStdout(), def)
				return nil
			} else if faults.CodeOf(err) == faults.FileNotFound {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			renderServer(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	var kind string
	var force bool
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a sample server or definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s template to %s\n", kind, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "server", "template kind (server, definition)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the nodusctl version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nodusctl %s\n", version)
		},
	}
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func renderDefinition(w io.Writer, def *definition.Definition) {
	fmt.Fprintf(w, "%s", def)
	if def.Description != "" {
		fmt.Fprintf(w, " - %s", def.Description)
	}
	fmt.Fprintln(w)

	table := newTable(w, "command", "parameters", "description")
	for _, name := range def.CommandNames() {
		cmd := def.Commands[name]
		params := make([]string, 0, len(cmd.Parameters))
		for _, p := range cmd.Parameters {
			if p.Required {
				params = append(params, p.Name+"*")
			} else {
				params = append(params, p.Name)
			}
		}
		table.Append([]string{name, strings.Join(params, ", "), cmd.Description})
	}
	table.Render()
}

func renderServer(w io.Writer, cfg config.Server) {
	fmt.Fprintf(w, "server %s\n", cfg.Name)
	table := newTable(w, "kind", "name", "target")
	for _, name := range cfg.ServiceNames() {
		svc := cfg.Services[name]
		table.Append([]string{"service", name, strings.TrimSpace(svc.Provider + " " + strings.Join(svc.Args, " "))})
	}
	for _, name := range cfg.InterfaceNames() {
		iface := cfg.Interfaces[name]
		table.Append([]string{"interface", name, iface.Type + settingsSummary(iface.Settings)})
	}
	table.Render()
}

func settingsSummary(settings map[string]any) string {
	if len(settings) == 0 {
		return ""
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, settings[k]))
	}
	return " (" + strings.Join(parts, " ") + ")"
}
