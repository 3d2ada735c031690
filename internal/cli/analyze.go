package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inspectd/inspectd/internal/app/scoring"
	"github.com/inspectd/inspectd/internal/daemon"
	"github.com/inspectd/inspectd/internal/domain"
)

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().String("item", "", "Item name (required)")
	analyzeCmd.Flags().String("model", "", "padim, patchcore or hybrid (required)")
	analyzeCmd.Flags().Float64("threshold", 0, "Anomaly threshold (default analyze.default_threshold)")
	analyzeCmd.Flags().String("models-dir", "", "Model root (overrides models.root)")
	analyzeCmd.Flags().String("engine", "", "Inference sidecar URL (overrides inference.endpoint)")
	analyzeCmd.MarkFlagRequired("item")
	analyzeCmd.MarkFlagRequired("model")
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze IMAGE [IMAGE...]",
	Short: "Score images without starting the server",
	Long: `Load the selected models through the inference sidecar and score each
image. One image prints a single result; several print a batch.`,
	Example: `  inspectd analyze --item bottle --model hybrid photo.png`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
		cfg.Inference.Endpoint = engine
	}
	item, _ := cmd.Flags().GetString("item")
	model, _ := cmd.Flags().GetString("model")
	threshold := cfg.Analyze.DefaultThreshold
	if cmd.Flags().Changed("threshold") {
		threshold, _ = cmd.Flags().GetFloat64("threshold")
	}

	d := daemon.New(cfg, quietLogger(cfg))
	defer d.Cache.InvalidateAll()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		res, err := d.Scoring.Analyze(cmd.Context(), scoring.Request{
			Item:      item,
			Model:     domain.ModelKind(model),
			Image:     data,
			Threshold: threshold,
		})
		if err != nil {
			return err
		}
		return enc.Encode(res)
	}

	images := make([]scoring.BatchImage, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		images = append(images, scoring.BatchImage{Name: path, Data: data})
	}
	entries, err := d.Scoring.AnalyzeBatch(cmd.Context(), scoring.BatchRequest{
		Item:      item,
		Model:     domain.ModelKind(model),
		Images:    images,
		Threshold: threshold,
	})
	if err != nil {
		return err
	}
	return enc.Encode(entries)
}
