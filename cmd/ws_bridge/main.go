package main

import (
	"net/http"
	"os"

	"github.com/m4xw311/codexd/config"
	"github.com/m4xw311/codexd/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr       string
		configPath string
		verbose    bool
		jsonLog    bool
	)
	cmd := &cobra.Command{
		Use:   "ws_bridge",
		Short: "Serve agent sessions over WebSocket",
		Long: `ws_bridge exposes one agent session per WebSocket connection on /ws.
Connect with ?repo=<path>; send {"type":"prompt","text":"..."} frames and
receive the turn's events as {"type":...,"event":...} frames.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			closer, err := logging.Setup(logging.Options{Verbose: verbose, JSON: jsonLog})
			if err != nil {
				return err
			}
			defer closer()

			var cfg *config.Config
			if configPath != "" {
				cfg, err = config.LoadFile(configPath)
			} else {
				cfg, err = config.LoadConfig()
			}
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/ws", newBridge(cfg, log.Logger))
			log.Info().Str("addr", addr).Msg("WebSocket server running on ws://" + addr + "/ws")
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "Listen address")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.Flags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	return cmd
}
