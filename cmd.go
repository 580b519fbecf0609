package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"peerdesk/config"
	"peerdesk/crypto"
	"peerdesk/host"
	"peerdesk/logging"
	"peerdesk/sessionid"
	"peerdesk/storage"
)

const auditTimeFormat = "2006-01-02 15:04:05"

type runOptions struct {
	logLevel    string
	apiAddress  string
	deviceName  string
	noDiscovery bool
}

func (o *runOptions) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error, silent); overrides the config file")
	fs.StringVar(&o.apiAddress, "api-addr", "", "Control API listen address; overrides the config file")
	fs.StringVar(&o.deviceName, "device-name", "", "Name announced to other devices for this run")
	fs.BoolVar(&o.noDiscovery, "no-discovery", false, "Do not start the discovery beacon at startup")
}

var (
	runOpts runOptions

	// startHooks run after the host has started. Debug builds register extra ones.
	startHooks []func(cmd *cobra.Command, h *host.Host) error
)

func init() {
	runOpts.bindFlags(runCmd.Flags())
	sessionIDCmd.Flags().Bool("regenerate", false, "Replace the session identifier with a new one")
	auditCmd.Flags().Int("limit", 20, "Maximum number of requests to list")
	auditCmd.Flags().String("state", "", "Only list requests in this state (pending, accepted, denied, expired)")
	auditCmd.Flags().Bool("security", false, "List rejected inbound connection attempts instead of requests")

	rootCmd.AddCommand(runCmd, sessionIDCmd, auditCmd, versionCmd)
}

var rootCmd = &cobra.Command{
	Use:           "peerdesk",
	Short:         "peerdesk discovers nearby devices and authorizes remote desktop connections",
	SilenceErrors: true,
	SilenceUsage:  true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run discovery, the request listener and the control API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dataDir, err := config.LoadOrCreate()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		level := cfg.LogLevel
		if runOpts.logLevel != "" {
			level = runOpts.logLevel
		}
		log := logging.Setup(level)
		if runOpts.deviceName != "" {
			cfg.DeviceName = strings.TrimSpace(runOpts.deviceName)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		h, err := host.New(host.Options{
			Device:         cfg,
			DataDir:        dataDir,
			Logger:         log,
			APIAddress:     runOpts.apiAddress,
			StartDiscovery: !runOpts.noDiscovery,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := h.Close(); err != nil {
				log.Error("Shutdown incomplete", slog.String("error", err.Error()))
			}
		}()
		if err := h.Start(ctx); err != nil {
			return err
		}
		for _, hook := range startHooks {
			if err := hook(cmd, h); err != nil {
				return err
			}
		}

		sessionID, err := h.SessionID(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Device ID:       %s\n", cfg.DeviceID)
		fmt.Fprintf(out, "Device Name:     %s\n", cfg.DeviceName)
		fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
		fmt.Fprintf(out, "Session ID:      %s\n", sessionID)
		fmt.Fprintf(out, "Transport:       %s\n", h.TransportAddr())
		fmt.Fprintf(out, "Control API:     %s\n", h.APIAddr())
		fmt.Fprintf(out, "Data Directory:  %s\n", dataDir)
		fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")

		<-ctx.Done()
		fmt.Fprintln(out, "Status:          shutting down")
		return nil
	},
}

var sessionIDCmd = &cobra.Command{
	Use:   "session-id",
	Short: "Print or regenerate this device's session identifier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		regenerate, err := cmd.Flags().GetBool("regenerate")
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		service, err := sessionid.New(sessionid.Config{Store: store, Logger: logging.Discard()})
		if err != nil {
			return err
		}
		get := service.GetOrCreate
		if regenerate {
			get = service.Regenerate
		}
		id, err := get(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit [request-id]",
	Short: "List recent connection requests, one request, or rejected inbound traffic",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		state, err := cmd.Flags().GetString("state")
		if err != nil {
			return err
		}
		security, err := cmd.Flags().GetBool("security")
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		out := cmd.OutOrStdout()
		switch {
		case len(args) == 1:
			record, err := store.GetRequestAudit(ctx, args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no request %q in the audit trail", args[0])
			}
			if err != nil {
				return err
			}
			return printRequestRecord(out, record)
		case security:
			events, err := store.ListSecurityEvents(ctx, storage.SecurityEventFilter{Limit: limit})
			if err != nil {
				return err
			}
			return printSecurityEvents(out, events)
		default:
			rows, err := store.ListRequestAudit(ctx, storage.RequestAuditFilter{State: state, Limit: limit})
			if err != nil {
				return err
			}
			return printRequestAudit(out, rows)
		}
	},
}

func printRequestAudit(w io.Writer, rows []storage.RequestAudit) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No connection requests recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECEIVED\tREQUEST\tREQUESTER\tADDRESS\tSTATE\tREQUESTED\tGRANTED\tREASON")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatMillis(row.ReceivedAt),
			row.RequestID,
			row.RequesterName,
			row.RequesterIP,
			row.State,
			strings.Join(row.RequestedPermissions, ","),
			orDash(strings.Join(row.GrantedPermissions, ",")),
			orDash(deref(row.DenialReason)),
		)
	}
	return tw.Flush()
}

func printRequestRecord(w io.Writer, record *storage.RequestAudit) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fields := [][2]string{
		{"Request", record.RequestID},
		{"Requester", fmt.Sprintf("%s (%s)", record.RequesterName, record.RequesterDeviceID)},
		{"Address", record.RequesterIP},
		{"Fingerprint", orDash(crypto.FormatFingerprint(deref(record.KeyFingerprint)))},
		{"Message", orDash(deref(record.Message))},
		{"Received", formatMillis(record.ReceivedAt)},
		{"State", record.State},
		{"Requested", strings.Join(record.RequestedPermissions, ",")},
		{"Granted", orDash(strings.Join(record.GrantedPermissions, ","))},
		{"Reason", orDash(deref(record.DenialReason))},
	}
	if record.ResolvedAt != nil {
		fields = append(fields, [2]string{"Resolved", formatMillis(*record.ResolvedAt)})
	}
	if record.ExpiresAt != nil {
		fields = append(fields, [2]string{"Expires", formatMillis(*record.ExpiresAt)})
	}
	for _, field := range fields {
		fmt.Fprintf(tw, "%s:\t%s\n", field[0], field[1])
	}
	return tw.Flush()
}

func printSecurityEvents(w io.Writer, events []storage.SecurityEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(w, "No rejected inbound traffic recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tSEVERITY\tREMOTE\tDEVICE\tDETAILS")
	for _, event := range events {
		keys := make([]string, 0, len(event.Details))
		for key := range event.Details {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		details := make([]string, 0, len(keys))
		for _, key := range keys {
			details = append(details, key+"="+event.Details[key])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatMillis(event.Timestamp),
			event.EventType,
			event.Severity,
			orDash(deref(event.RemoteIP)),
			orDash(deref(event.DeviceID)),
			orDash(strings.Join(details, " ")),
		)
	}
	return tw.Flush()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Println("Version:", host.Version)
		return nil
	},
}

func openStore() (*storage.Store, error) {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return nil, err
	}
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format(auditTimeFormat)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
