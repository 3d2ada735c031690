package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inspectd/inspectd/internal/daemon"
	"github.com/inspectd/inspectd/internal/domain"
	"github.com/inspectd/inspectd/internal/infra/registry"
)

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsInstallCmd)
	modelsCmd.AddCommand(modelsRemoveCmd)

	modelsCmd.PersistentFlags().String("models-dir", "", "Model root (overrides models.root)")
	modelsListCmd.Flags().Bool("json", false, "Print the snapshot as JSON")
	for _, kind := range domain.BaseKinds() {
		modelsInstallCmd.Flags().String(string(kind)+"-bin", "", fmt.Sprintf("%s weights file (model.bin)", kind))
		modelsInstallCmd.Flags().String(string(kind)+"-xml", "", fmt.Sprintf("%s descriptor file (model.xml)", kind))
	}
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage installed models",
	Long: `Inspect and manage the model tree. Each item directory holds one
subdirectory per model kind with model.bin and model.xml.`,
}

// ─── models list ────────────────────────────────────────────────────────────

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List items and the selectors they support",
	Args:  cobra.NoArgs,
	RunE:  runModelsList,
}

func runModelsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	snap := registry.New(cfg.Models.Root).Discover()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	if len(snap) == 0 {
		printf("No models installed in %s\n", cfg.Models.Root)
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tMODELS")
	for _, item := range snap.Items() {
		fmt.Fprintf(tw, "%s\t%s\n", item, selectorList(snap[item]))
	}
	return tw.Flush()
}

// ─── models install ─────────────────────────────────────────────────────────

var modelsInstallCmd = &cobra.Command{
	Use:   "install ITEM",
	Short: "Install model files for an item",
	Long: `Copy model files into <models root>/ITEM/<kind>/. Each kind needs both
its -bin and -xml file. A running server is asked to release its handles
first.`,
	Example: `  inspectd models install bottle --padim-bin p.bin --padim-xml p.xml \
      --patchcore-bin c.bin --patchcore-xml c.xml`,
	Args: cobra.ExactArgs(1),
	RunE: runModelsInstall,
}

func runModelsInstall(cmd *cobra.Command, args []string) error {
	item := args[0]
	if err := registry.ValidateItemName(item); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	artifacts := make(map[domain.ModelKind]registry.Artifact)
	var opened []io.Closer
	defer func() {
		for _, c := range opened {
			c.Close()
		}
	}()
	for _, kind := range domain.BaseKinds() {
		bin, _ := cmd.Flags().GetString(string(kind) + "-bin")
		xml, _ := cmd.Flags().GetString(string(kind) + "-xml")
		if bin == "" && xml == "" {
			continue
		}
		if bin == "" || xml == "" {
			return fmt.Errorf("%s needs both --%s-bin and --%s-xml", kind, kind, kind)
		}
		w, err := os.Open(bin)
		if err != nil {
			return err
		}
		opened = append(opened, w)
		d, err := os.Open(xml)
		if err != nil {
			return err
		}
		opened = append(opened, d)
		artifacts[kind] = registry.Artifact{Weights: w, Descriptor: d}
	}
	if len(artifacts) == 0 {
		return fmt.Errorf("no model files given; use --<kind>-bin and --<kind>-xml")
	}

	releaseServerHandles(cfg)
	desc, err := registry.New(cfg.Models.Root).Install(item, artifacts)
	if err != nil {
		return err
	}
	printf("✅ Installed %q (%s)\n", item, selectorList(desc))
	return nil
}

// ─── models remove ──────────────────────────────────────────────────────────

var modelsRemoveCmd = &cobra.Command{
	Use:   "remove ITEM",
	Short: "Delete an item and all of its models",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsRemove,
}

func runModelsRemove(cmd *cobra.Command, args []string) error {
	item := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	releaseServerHandles(cfg)
	if err := registry.New(cfg.Models.Root).Remove(item); err != nil {
		return err
	}
	printf("✅ Removed %q\n", item)
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// releaseServerHandles asks a local server to drop its inference handles so
// model files are not held open while they change. No server is fine.
func releaseServerHandles(cfg daemon.Config) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Post("http://"+cfg.Addr()+"/models/unload", "application/json", nil)
	if err != nil {
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "warning: server at %s refused to unload models (HTTP %d)\n", cfg.Addr(), resp.StatusCode)
	}
}

func selectorList(desc domain.Descriptor) string {
	sels := desc.Selectors()
	names := make([]string, len(sels))
	for i, s := range sels {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
