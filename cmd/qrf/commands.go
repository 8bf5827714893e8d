package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/qrf/internal/config"
	"github.com/kalambet/qrf/internal/worldbook"
)

// --- preset ---

var presetCmd = &cobra.Command{
	Use:   "preset",
	Short: "Manage planning presets",
}

type presetSummary struct {
	Name        string `json:"name"`
	ExtractTags string `json:"extractTags"`
	MinLength   int    `json:"minLength"`
}

var presetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listPresets(cmd.Context(), client)
	},
}

func listPresets(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, managementPrefix+"/settings")
	if err != nil {
		return err
	}
	var s struct {
		LastUsedPreset string `json:"lastUsedPresetName"`
	}
	if err := decodeJSON(resp, &s); err != nil {
		return err
	}

	resp, err = client.get(ctx, managementPrefix+"/presets")
	if err != nil {
		return err
	}
	var presets []presetSummary
	if err := decodeJSON(resp, &presets); err != nil {
		return err
	}

	if len(presets) == 0 {
		fmt.Println("No presets stored.")
		return nil
	}
	for _, p := range presets {
		marker := "  "
		if p.Name == s.LastUsedPreset {
			marker = colorize(colorGreen, "* ")
		}
		fmt.Printf("%s%s  tags=%q  min_length=%d\n", marker, colorize(colorBold, p.Name), p.ExtractTags, p.MinLength)
	}
	return nil
}

var presetImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import presets from a JSON array file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.postRaw(cmd.Context(), managementPrefix+"/presets", data)
		if err != nil {
			return err
		}
		var res struct {
			Added       int `json:"added"`
			Overwritten int `json:"overwritten"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Imported presets: %d added, %d overwritten", res.Added, res.Overwritten)
		return nil
	},
}

var presetExportCmd = &cobra.Command{
	Use:   "export <name>",
	Short: "Export a preset as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), managementPrefix+"/presets/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var preset json.RawMessage
		if err := decodeJSON(resp, &preset); err != nil {
			return err
		}

		if output == "" {
			_, err := fmt.Println(string(preset))
			return err
		}
		if err := os.WriteFile(output, preset, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
		printSuccess("Preset %s exported to %s", args[0], output)
		return nil
	},
}

var presetUseCmd = &cobra.Command{
	Use:   "use [name]",
	Short: "Make a preset active; without a name the active preset is deselected",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		character, _ := cmd.Flags().GetString("character")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body := map[string]string{"character_id": character}

		path := managementPrefix + "/presets/deselect"
		if len(args) == 1 {
			path = managementPrefix + "/presets/" + url.PathEscape(args[0]) + "/select"
		}
		resp, err := client.post(cmd.Context(), path, body)
		if err != nil {
			return err
		}
		var res map[string]string
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if len(args) == 0 {
			printSuccess("Preset deselected")
		} else {
			printSuccess("Preset %s selected", args[0])
		}
		return nil
	},
}

func init() {
	presetExportCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	presetUseCmd.Flags().String("character", "", "active character whose stale prompt settings are cleared")
	presetCmd.AddCommand(presetListCmd)
	presetCmd.AddCommand(presetImportCmd)
	presetCmd.AddCommand(presetExportCmd)
	presetCmd.AddCommand(presetUseCmd)
}

// --- lore ---

var loreCmd = &cobra.Command{
	Use:   "lore",
	Short: "Manage worldbooks",
}

var loreImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a worldbook document (lorebook JSON, text, markdown, HTML or PDF)",
	Long: `Import a worldbook document.

Examples:
  qrf lore import ./north.json --book north
  qrf lore import ./harbor.md --book north --character alice
  qrf lore import ./atlas.pdf --book atlas --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		book, _ := cmd.Flags().GetString("book")
		format, _ := cmd.Flags().GetString("format")
		character, _ := cmd.Flags().GetString("character")
		wait, _ := cmd.Flags().GetBool("wait")

		req, err := buildImportRequest(args[0], book, format, character)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), managementPrefix+"/worldbooks/import", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued import job %s", result["id"])

		if !wait {
			return nil
		}
		return waitForJob(cmd.Context(), client, result["id"], time.Second)
	},
}

// buildImportRequest reads path and shapes the import body. The book
// defaults to the file name without extension; binary formats are sent
// base64 encoded.
func buildImportRequest(path, book, format, character string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	base := filepath.Base(path)
	if book == "" {
		book = strings.TrimSuffix(base, filepath.Ext(base))
	}
	f := worldbook.DetectFormat(base, data)
	if format != "" {
		if f, err = worldbook.ParseFormat(format); err != nil {
			return nil, err
		}
	}

	req := map[string]string{
		"book":   book,
		"format": string(f),
		"title":  strings.TrimSuffix(base, filepath.Ext(base)),
	}
	if character != "" {
		req["character_id"] = character
	}
	if f == worldbook.FormatPDF {
		req["content"] = base64.StdEncoding.EncodeToString(data)
		req["encoding"] = "base64"
	} else {
		req["content"] = string(data)
	}
	return req, nil
}

func waitForJob(ctx context.Context, client *apiClient, id string, interval time.Duration) error {
	for {
		resp, err := client.get(ctx, managementPrefix+"/jobs/"+id)
		if err != nil {
			return err
		}
		var job struct {
			Status    string `json:"status"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		switch job.Status {
		case "completed":
			printSuccess("Job %s completed", id)
			return nil
		case "failed":
			return fmt.Errorf("job %s failed after %d attempts: %s", id, job.Attempts, job.LastError)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

var loreListCmd = &cobra.Command{
	Use:   "list [book]",
	Short: "List worldbooks, or the entries of one book",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			resp, err := client.get(cmd.Context(), managementPrefix+"/worldbooks")
			if err != nil {
				return err
			}
			var books []string
			if err := decodeJSON(resp, &books); err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Println("No worldbooks stored.")
			}
			for _, b := range books {
				fmt.Println(b)
			}
			return nil
		}

		resp, err := client.get(cmd.Context(), managementPrefix+"/worldbooks/"+url.PathEscape(args[0])+"/entries")
		if err != nil {
			return err
		}
		var entries []struct {
			UID        int      `json:"uid"`
			Comment    string   `json:"comment"`
			Keys       []string `json:"keys"`
			Constant   bool     `json:"constant"`
			Vectorized bool     `json:"vectorized"`
			Enabled    bool     `json:"enabled"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			flags := ""
			if e.Constant {
				flags += " constant"
			}
			if e.Vectorized {
				flags += " vectorized"
			}
			if !e.Enabled {
				flags += " disabled"
			}
			fmt.Printf("%s  %s  [%s]%s\n", colorize(colorCyan, fmt.Sprintf("%4d", e.UID)), e.Comment, strings.Join(e.Keys, ", "), flags)
		}
		return nil
	},
}

var loreReindexCmd = &cobra.Command{
	Use:   "reindex <book>",
	Short: "Refresh the embeddings of a book's vectorized entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := reindex(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Queued index job %s", id)
		if !wait {
			return nil
		}
		return waitForJob(cmd.Context(), client, id, time.Second)
	},
}

func reindex(ctx context.Context, client *apiClient, book string) (string, error) {
	resp, err := client.post(ctx, managementPrefix+"/worldbooks/"+url.PathEscape(book)+"/reindex", nil)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

func init() {
	loreReindexCmd.Flags().Bool("wait", false, "wait for the index job to finish")
	loreCmd.AddCommand(loreReindexCmd)
	loreImportCmd.Flags().String("book", "", "worldbook name (default: file name)")
	loreImportCmd.Flags().String("format", "", "force a format: json, text, html or pdf")
	loreImportCmd.Flags().String("character", "", "bind the book to this character")
	loreImportCmd.Flags().Bool("wait", false, "wait for the import job to finish")
	loreCmd.AddCommand(loreImportCmd)
	loreCmd.AddCommand(loreListCmd)
}

// --- plan ---

var planCmd = &cobra.Command{
	Use:   "plan <message>",
	Short: "Run the planner once on a message and print the result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, _ := cmd.Flags().GetString("chat")
		character, _ := cmd.Flags().GetString("character")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		out, err := plan(cmd.Context(), client, chatID, character, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

type planResponse struct {
	Request struct {
		UserInput     string `json:"user_input"`
		HandledByHook bool   `json:"_qrf_processed_by_hook"`
	} `json:"request"`
	Notices []struct {
		Level string `json:"level"`
		Text  string `json:"text"`
	} `json:"notices"`
}

// plan sends message through the direct interception endpoint and returns
// the rewritten text.
func plan(ctx context.Context, client *apiClient, chatID, character, message string) (string, error) {
	resp, err := client.post(ctx, "/v1/intercept", map[string]any{
		"chat_id":      chatID,
		"character_id": character,
		"user_input":   message,
	})
	if err != nil {
		return "", err
	}
	var res planResponse
	if err := decodeJSON(resp, &res); err != nil {
		return "", err
	}
	for _, n := range res.Notices {
		printNotice(n.Level, n.Text)
	}
	if !res.Request.HandledByHook {
		return "", fmt.Errorf("message was not planned (plugin disabled, backend not configured, or a run already in flight)")
	}
	return res.Request.UserInput, nil
}

func init() {
	planCmd.Flags().String("chat", "", "chat whose history and prior plot are used")
	planCmd.Flags().String("character", "", "active character")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
