package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jgoldverg/udprep/internal"
	"github.com/spf13/cobra"
)

type ctxKey string

const senderCfgKey ctxKey = "senderConfig"

// annotationSenderConfig marks commands that run a sender and need its config
// (and its log level) before RunE.
const annotationSenderConfig = "udprep/sender-config"

// senderConfigRef carries the sender config path and, once loaded, the config.
// Receiver-side commands never touch it, so no sender config file is created
// for them.
type senderConfigRef struct {
	path string
	cfg  *internal.SenderConfig
}

func (r *senderConfigRef) load() (*internal.SenderConfig, error) {
	if r.cfg != nil {
		return r.cfg, nil
	}
	cfg, err := internal.LoadSenderConfig(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to load sender config: %w", err)
	}
	r.cfg = cfg
	return cfg, nil
}

func NewRootCommand() *cobra.Command {
	var senderConfigPath string
	var logLevelFlag string

	rootCmd := &cobra.Command{
		Use:   "udprep",
		Short: "udprep replicates files to remote receivers over UDP",
		Long:  `udprep pushes a local file to one or more udprep receivers at once. Each link runs its own Go-Back-N session over plain UDP, so a slow or dead replica never holds up the others.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := senderConfigPath
			if strings.TrimSpace(cfgPath) == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				cfgPath = filepath.Join(home, ".udprep", "sender_config.toml")
			}
			ref := &senderConfigRef{path: cfgPath}

			level := logLevelFlag
			if cmd.Annotations[annotationSenderConfig] != "" {
				cfg, err := ref.load()
				if err != nil {
					return err
				}
				if level == "" {
					level = cfg.LogLevel
				}
			}
			if err := internal.ConfigureLogger(level); err != nil {
				internal.Warn("invalid log level, defaulting to info", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}

			cmd.SetContext(context.WithValue(cmd.Context(), senderCfgKey, ref))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&senderConfigPath, "sender-config", "", "Path to sender config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(SendCommand())
	rootCmd.AddCommand(ReplicateCommand())
	rootCmd.AddCommand(ServeCommand())
	rootCmd.AddCommand(ConfigCommand())

	return rootCmd
}

func senderRef(cmd *cobra.Command) *senderConfigRef {
	if ctx := cmd.Context(); ctx != nil {
		if ref, ok := ctx.Value(senderCfgKey).(*senderConfigRef); ok {
			return ref
		}
	}
	return nil
}

// GetSenderConfig returns the sender config, loading it on first use.
func GetSenderConfig(cmd *cobra.Command) (*internal.SenderConfig, error) {
	ref := senderRef(cmd)
	if ref == nil {
		return nil, errors.New("sender config not found; did PersistentPreRun execute?")
	}
	return ref.load()
}

func getSenderConfigPath(cmd *cobra.Command) string {
	if ref := senderRef(cmd); ref != nil {
		return ref.path
	}
	return ""
}

func expandUserPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}
