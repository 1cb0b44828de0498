package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/wfunc/codenames-client/api"
	"github.com/wfunc/codenames-client/client"
	"github.com/wfunc/codenames-client/config"
	"github.com/wfunc/codenames-client/logger"
)

type cliFlags struct {
	configDir string
	name      string
	qrFile    string
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"ws-base":         "server.ws_base",
	"http-base":       "server.http_base",
	"log-level":       "log.level",
	"log-dev":         "log.development",
	"metrics-address": "metrics.address",
	"max-attempts":    "reconnect.max_attempts",
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	v := config.New()

	cmd := &cobra.Command{
		Use:           "codenames",
		Short:         "Terminal client for Codenames game servers.",
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := cmd.PersistentFlags()
	pf.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	pf.StringVarP(&flags.configDir, "config", "c", ".", "directory holding config.yaml and .env")
	pf.String("ws-base", "", "websocket base url (env: CODENAMES_SERVER_WS_BASE)")
	pf.String("http-base", "", "lobby api base url (env: CODENAMES_SERVER_HTTP_BASE)")
	pf.String("log-level", "", "debug, info, warn or error (env: CODENAMES_LOG_LEVEL)")
	pf.Bool("log-dev", false, "human readable logs (env: CODENAMES_LOG_DEVELOPMENT)")
	pf.String("metrics-address", "", "serve prometheus metrics on this address (env: CODENAMES_METRICS_ADDRESS)")
	pf.Int("max-attempts", 0, "reconnect attempts before giving up (env: CODENAMES_RECONNECT_MAX_ATTEMPTS)")
	bindFlags(v, pf)

	cmd.AddCommand(
		newNewCmd(v, flags),
		newJoinCmd(v, flags),
		newQRCmd(flags),
		newHistoryCmd(v, flags),
	)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetVersionTemplate("codenames v{{.Version}}\n")
	return cmd
}

// bindFlags lets explicitly set flags override file and env values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

func newNewCmd(v *viper.Viper, flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a game and join it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(v, flags)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			lobby := api.NewClient(cfg.Server.HTTPBase, nil)
			code, err := lobby.CreateGame(ctx)
			if err != nil {
				return err
			}
			printShare(cmd, code)
			return play(ctx, cmd, cfg, code, flags.name)
		},
	}
	cmd.Flags().StringVarP(&flags.name, "name", "n", "", "join with this player name right away")
	return cmd
}

func newJoinCmd(v *viper.Viper, flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join CODE",
		Short: "Join an existing game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(v, flags)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			code := api.NormalizeCode(args[0])
			lobby := api.NewClient(cfg.Server.HTTPBase, nil)
			exists, err := lobby.GameExists(ctx, code)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("game %s: %w", code, api.ErrGameNotFound)
			}
			return play(ctx, cmd, cfg, code, flags.name)
		},
	}
	cmd.Flags().StringVarP(&flags.name, "name", "n", "", "join with this player name right away")
	return cmd
}

func newQRCmd(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr CODE",
		Short: "Print a game code as a QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := api.NormalizeCode(args[0])
			if flags.qrFile != "" {
				return api.WriteQRFile(code, flags.qrFile, 256)
			}
			printShare(cmd, code)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.qrFile, "out", "o", "", "write a PNG instead of printing")
	return cmd
}

func newHistoryCmd(v *viper.Viper, flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history CODE",
		Short: "List archived results of a game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(v, flags)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if !cfg.Database.Enabled {
				return errors.New("history needs database.enabled in the config")
			}

			c, err := client.New(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			records, err := c.History(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, r := range records {
				fmt.Fprintf(out, "%s  winner=%-4s players=%d  %s\n",
					r.FinishedAt.Format(time.RFC3339), r.Winner, r.PlayerCount, r.Reason)
			}
			return nil
		},
	}
}

// setup loads the config and initializes logging.
func setup(v *viper.Viper, flags *cliFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(v, flags.configDir)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printShare(cmd *cobra.Command, code string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Game code: %s\n", code)
	if qr, err := api.ShareQR(code); err == nil {
		fmt.Fprintln(out, qr)
	}
}
