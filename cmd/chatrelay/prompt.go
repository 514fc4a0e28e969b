package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatrelay/pkg/completion"
	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/prompt"
)

// conversationFile is the YAML input of `prompt render`.
type conversationFile struct {
	History []history.Turn `yaml:"history"`
	Message string         `yaml:"message"`
}

type renderedPrompt struct {
	RenderedHistory string `yaml:"rendered_history"`
	Prompt          string `yaml:"prompt"`
	Tokens          int    `yaml:"tokens"`
}

func newPromptCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Debug prompt assembly",
	}

	var file, message, model string
	renderCmd := &cobra.Command{
		Use:   "render",
		Short: "Render the prompt for a conversation file and count its tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrap(err, "read conversation file")
			}
			var conv conversationFile
			if err := yaml.Unmarshal(b, &conv); err != nil {
				return errors.Wrap(err, "parse conversation file")
			}
			if message != "" {
				conv.Message = message
			}

			asm, err := buildAssembler(a.settings.History)
			if err != nil {
				return err
			}
			counter, err := prompt.NewModelCounter(model)
			if err != nil {
				return err
			}
			req := asm.Build(conv.Message, conv.History)
			return writeYAML(cmd, renderedPrompt{
				RenderedHistory: req.RenderedHistory,
				Prompt:          req.Text,
				Tokens:          counter.Count(req.Text),
			})
		},
	}
	renderCmd.Flags().StringVar(&file, "file", "", "YAML file with history turns and a message")
	renderCmd.Flags().StringVar(&message, "message", "", "Override the message of the file")
	renderCmd.Flags().StringVar(&model, "model", completion.DefaultModel, "Model whose tokenizer counts the prompt")
	cobra.CheckErr(renderCmd.MarkFlagRequired("file"))

	cmd.AddCommand(renderCmd)
	return cmd
}
