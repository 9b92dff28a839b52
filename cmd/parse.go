package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"relay-backend/internal/format"
	"relay-backend/internal/parser"
	"relay-backend/internal/transport"
)

var (
	parseFile   string
	parseRender string
)

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Classify raw model output read from stdin or --file",
	Long: `parse prints how the relay would classify one raw model output: a plain
message or a skill call. With --render, a message is also shown as the
chunks the chat would receive (html) or as plain text (plain).`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		raw, err := readParseInput(parseFile)
		if err != nil {
			return err
		}

		result := parser.Parse(string(raw))
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		msg, ok := result.Message()
		if !ok {
			return nil
		}

		switch parseRender {
		case "":
		case "html":
			chunks := format.Split(format.ToMarkup(msg.Text), transport.MaxMessageLength)
			for i, chunk := range chunks {
				fmt.Fprintf(cmd.OutOrStdout(), "--- chunk %d/%d ---\n%s\n", i+1, len(chunks), chunk)
			}
		case "plain":
			fmt.Fprintln(cmd.OutOrStdout(), format.PlainText(msg.Text))
		default:
			return fmt.Errorf("unknown --render %q (want html or plain)", parseRender)
		}
		return nil
	},
}

func init() {
	parseCmd.Flags().StringVarP(&parseFile, "file", "f", "", "read raw output from this file instead of stdin")
	parseCmd.Flags().StringVar(&parseRender, "render", "", "also render a message: html or plain")
}

func readParseInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
