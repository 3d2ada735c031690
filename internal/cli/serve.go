package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inspectd/inspectd/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides api.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides api.port)")
	serveCmd.Flags().String("models-dir", "", "Model root (overrides models.root)")
	serveCmd.Flags().String("engine", "", "Inference sidecar URL (overrides inference.endpoint)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the inspectd HTTP API. Cached inference handles are released on
SIGINT/SIGTERM after in-flight requests drain.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.API.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.API.Port = port
	}
	if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
		cfg.Inference.Endpoint = engine
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg, daemon.NewLogger(cfg.Log))
	return d.Serve(ctx)
}
