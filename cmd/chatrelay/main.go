package main

import (
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/logging"
)

type app struct {
	v          *viper.Viper
	configFile string
	settings   config.Settings
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "chatrelay relays chat messages to an LLM and keeps per-sender conversation history",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.settings = s
			// reinitialize the logger now that --log-level and co are parsed
			closer, err := logging.InitLogger(s.Log)
			if err != nil {
				return err
			}
			a.logCloser = closer
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Path to a YAML config file")
	pf.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", logging.FormatAuto, "Log format (auto, json, console)")
	pf.String("log-file", "", "Also write JSON logs to this rotated file")
	bindFlag(a.v, "log.level", pf.Lookup("log-level"))
	bindFlag(a.v, "log.format", pf.Lookup("log-format"))
	bindFlag(a.v, "log.file", pf.Lookup("log-file"))

	rootCmd.AddCommand(
		newServeCmd(a),
		newTranscriptCmd(a),
		newPromptCmd(a),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("chatrelay failed")
		os.Exit(1)
	}
}
