package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"collabcore/backend/config"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/history"
	"collabcore/backend/internal/httpapi/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab_server",
		Short: "Real-time collaborative editing server",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog 的 flag 挂在标准库 flag 上，已经由 pflag 解析过
			_ = flag.CommandLine.Parse(nil)
		},
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().String("config", "", "config file (default: collabConfig.yaml in ./backend/config, ./config, .)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket + REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			glog.Infof("config: port=%d history=%s presence=%s kafka=%v snapshot=%s",
				cfg.Running.Port, cfg.History.Backend, cfg.Presence.Backend, cfg.Kafka.Brokers, cfg.Snapshot.Interval)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := runServe(ctx, cfg); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	rootCmd.AddCommand(serveCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Fold a pebble history log into document text",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			docID, _ := cmd.Flags().GetString("doc")
			upTo, _ := cmd.Flags().GetUint64("to")
			runs, _ := cmd.Flags().GetBool("runs")
			if docID == "" {
				return errors.New("--doc is required")
			}
			opLog, err := history.OpenPebbleLog(history.PebbleOptions{DataDir: dataDir, Fsync: history.FsyncNever})
			if err != nil {
				return err
			}
			defer opLog.Close()

			buf := collab.NewPieceTable("")
			seq, err := collab.Fold(cmd.Context(), opLog, docID, buf, 0, upTo)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if runs {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(collab.Snapshot{DocumentID: docID, Sequence: seq, Content: buf.String(), Runs: buf.Runs()})
			}
			fmt.Fprintf(out, "# doc=%s seq=%d len=%d\n%s\n", docID, seq, buf.Len(), buf.String())
			return nil
		},
	}
	replayCmd.Flags().String("data-dir", "./data/history", "pebble history directory")
	replayCmd.Flags().String("doc", "", "document id")
	replayCmd.Flags().Uint64("to", 0, "fold up to this sequence (0 = latest)")
	replayCmd.Flags().Bool("runs", false, "print formatted runs as JSON")
	rootCmd.AddCommand(replayCmd)

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetUint64("user")
			username, _ := cmd.Flags().GetString("username")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, expires, err := middleware.SignAccessToken([]byte(cfg.Auth.Secret), userID, username, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", token, expires.Format(time.RFC3339))
			return nil
		},
	}
	tokenCmd.Flags().Uint64("user", 1, "user id")
	tokenCmd.Flags().String("username", "dev", "username")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)

	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
