package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"chatd/internal/config"
	"chatd/internal/generate"
	"chatd/internal/registry"
	"chatd/pkg/types"
)

// runServe is swapped in tests to capture the resolved config.
var runServe = serve

// options collects command-line flags. Flags only override the file and
// environment when set explicitly.
type options struct {
	configPath string
	flags      config.Config
	maxConc    int
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "chatd",
		Short:         "Serve prompt continuations from a causal language model",
		Long:          "chatd loads one language model at startup, serves POST /chat on the primary listener and exposes response_time_seconds on a separate metrics listener.",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Config file (.yaml, .yml, .json, .toml)")
	f.StringVar(&opts.flags.ModelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	f.StringVar(&opts.flags.Model, "model", "", "Model name, file name or path to load")

	rf := root.Flags()
	rf.StringVar(&opts.flags.Addr, "addr", "", "Primary listen address, e.g. 0.0.0.0:5000")
	rf.StringVar(&opts.flags.MetricsAddr, "metrics-addr", "", "Metrics listen address, e.g. :8000")
	rf.StringVar(&opts.flags.Backend, "backend", "", "Inference backend: llama or openai")
	rf.StringVar(&opts.flags.BaseURL, "base-url", "", "Completions server URL for the openai backend")
	rf.IntVar(&opts.maxConc, "max-concurrent", 1, "Maximum simultaneous generations (0 = unlimited)")
	rf.StringVar(&opts.flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rf.StringVar(&opts.flags.LogFormat, "log-format", "", "Log format: json or console")

	root.AddCommand(newModelsCmd(opts), newVersionCmd())
	return root
}

// resolveConfig layers defaults, config file, CHATD_* env and explicit flags.
func resolveConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg := config.Defaults()
	if opts.configPath != "" {
		fileCfg, err := config.Load(opts.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = config.Merge(cfg, fileCfg)
	}
	cfg, err := config.ApplyEnv(cfg, os.LookupEnv)
	if err != nil {
		return cfg, err
	}
	over := opts.flags
	if cmd.Flags().Changed("max-concurrent") {
		n := opts.maxConc
		over.MaxConcurrent = &n
	}
	cfg = config.Merge(cfg, over)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newModelsCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "models",
		Short:   "List models discoverable in the models directory",
		Example: "  chatd models --models-dir ~/models/llm",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			models, err := registry.LoadDir(cfg.ModelsDir)
			if err != nil {
				return fmt.Errorf("scan %s: %w", cfg.ModelsDir, err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(types.ModelsResponse{Models: models})
			}
			for _, m := range models {
				line := m.ID
				if m.Quant != "" {
					line += "\t" + m.Quant
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of one model per line")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			v := "(devel)"
			if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
				v = bi.Main.Version
			}
			backends := []string{config.BackendOpenAI}
			if generate.LlamaBuilt() {
				backends = append(backends, config.BackendLlama)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chatd %s (backends: %s)\n", v, strings.Join(backends, ", "))
		},
	}
}
