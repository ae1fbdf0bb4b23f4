package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/config"
	"github.com/m4xw311/acprelay/logging"
)

var (
	v   = config.NewViper()
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "acprelay",
	Short: "Agent Client Protocol server for code editors",
	Long: `acprelay speaks the Agent Client Protocol over stdio or a websocket.
Each prompt is run by an LLM backend that may read and change the
workspace through tools, asking the editor for permission first.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default ~/.acprelay/config.yaml merged with ./.acprelay/config.yaml)")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.Bool("trace", false, "Write a debug trace of all traffic to the trace file")

	addServeFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, sessionsCmd, toolsCmd, configCmd, versionCmd)
}

// flagKeys maps command-line flags onto configuration keys. Only flags the
// running command defines are bound.
var flagKeys = map[string]string{
	"log-level":     "log.level",
	"trace":         "log.trace",
	"llm":           "llm",
	"model":         "model",
	"toolset":       "toolset",
	"ws-addr":       "server.ws_addr",
	"metrics-addr":  "server.metrics_addr",
	"session-store": "sessions.store",
	"permissions":   "permissions.default",
}

func loadConfig(cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	var err error
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFile(v, path)
	} else {
		cfg, err = config.Load(v)
	}
	return err
}

func newLogger() (*zap.Logger, func() error, error) {
	return logging.New(logging.Options{
		Level:     cfg.Log.Level,
		Trace:     cfg.Log.Trace,
		TracePath: cfg.Log.TracePath,
	})
}
