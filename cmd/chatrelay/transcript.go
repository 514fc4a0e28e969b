package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatrelay/pkg/persistence/transcript"
)

func newTranscriptCmd(a *app) *cobra.Command {
	var dbPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Inspect the transcript of relayed turns",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Transcript file (defaults to transcript.path)")
	cmd.PersistentFlags().IntVar(&limit, "limit", 50, "Maximum number of rows")

	open := func() (transcript.Store, error) {
		path := dbPath
		if path == "" {
			path = a.settings.Transcript.Path
		}
		if path == "" {
			return nil, errors.New("no transcript file: pass --db or set transcript.path")
		}
		return openTranscript(path)
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			items, err := st.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeYAML(cmd, items)
		},
	}

	var since time.Duration
	showCmd := &cobra.Command{
		Use:   "show <session-key>",
		Short: "Print the recorded turns of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			q := transcript.Query{SessionKey: args[0], Limit: limit}
			if since > 0 {
				q.SinceMs = time.Now().Add(-since).UnixMilli()
			}
			items, err := st.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			return writeYAML(cmd, items)
		},
	}
	showCmd.Flags().DurationVar(&since, "since", 0, "Only turns newer than this (e.g. 2h)")

	cmd.AddCommand(sessionsCmd, showCmd)
	return cmd
}

func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode yaml")
	}
	return enc.Close()
}
