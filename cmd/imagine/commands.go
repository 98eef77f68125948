package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/infinityai/imagine/internal/config"
	"github.com/infinityai/imagine/internal/session"
	"github.com/infinityai/imagine/internal/storage"
	"github.com/infinityai/imagine/internal/translate"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate [prompt...]",
	Short: "Submit a prompt and wait for the image",
	Long: `Submit a prompt to the running proxy and wait for the image.

The prompt is translated first unless --no-translate is given. Without
arguments, a prompt form opens when stdin is a terminal.

Examples:
  imagine generate "a cat sitting on the moon"
  imagine generate --no-translate --download --out ./images a lighthouse at dusk`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noTranslate, _ := cmd.Flags().GetBool("no-translate")
		download, _ := cmd.Flags().GetBool("download")
		outDir, _ := cmd.Flags().GetString("out")

		prompt, err := readPrompt(args, term.IsTerminal(int(os.Stdin.Fd())), askPrompt)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		opts := []session.Option{
			session.WithRenderer(newPhaseRenderer(os.Stderr)),
			session.WithPollPolicy(pollPolicy(cfg)),
		}
		if !noTranslate {
			t, err := newTranslator(cfg)
			if err != nil {
				return err
			}
			if t != nil {
				opts = append(opts, session.WithTranslator(t))
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c := session.NewController(session.NewHTTPBackend(serverURL(cfg), cfg.Server.AuthToken), opts...)
		return runGenerate(ctx, c, prompt, download, outDir, os.Stdout)
	},
}

func init() {
	generateCmd.Flags().Bool("no-translate", false, "submit the prompt as typed")
	generateCmd.Flags().Bool("download", false, "save the image as output.png")
	generateCmd.Flags().String("out", ".", "directory for the downloaded image")
}

func pollPolicy(cfg config.Config) session.PollPolicy {
	return session.PollPolicy{
		Interval:    cfg.Poll.Interval,
		Multiplier:  cfg.Poll.Multiplier,
		MaxInterval: cfg.Poll.MaxInterval,
		MaxPolls:    cfg.Poll.MaxAttempts,
		Timeout:     cfg.Poll.Timeout,
	}
}

// readPrompt joins args, or asks interactively when there are none and
// stdin is a terminal.
func readPrompt(args []string, interactive bool, ask func() (string, error)) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if !interactive {
		return "", errors.New("a prompt is required: pass it as arguments or run in a terminal")
	}
	return ask()
}

func askPrompt() (string, error) {
	var prompt string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Prompt").
			Placeholder("a cat sitting on the moon").
			Value(&prompt).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("prompt cannot be empty")
				}
				return nil
			}),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return prompt, nil
}

// runGenerate drives one submission to completion and prints the image
// locator to out.
func runGenerate(ctx context.Context, c *session.Controller, prompt string, download bool, dir string, out io.Writer) error {
	c.Submit(ctx, prompt)
	st, err := c.Wait(ctx)
	if err != nil {
		return err
	}

	switch st.Phase {
	case session.PhaseFailed:
		if st.Error == "" {
			return errors.New("prediction failed")
		}
		return fmt.Errorf("prediction failed: %s", st.Error)
	case session.PhaseError:
		return errors.New(st.Error)
	}

	imageURL := st.ImageURL()
	if imageURL == "" {
		printWarning("Prediction %s produced no output", st.Prediction.ID)
		return nil
	}
	fmt.Fprintln(out, imageURL)

	if download {
		path, err := c.Download(ctx, dir)
		if err != nil {
			return fmt.Errorf("downloading image: %w", err)
		}
		printSuccess("Saved %s", path)
	}
	return nil
}

// --- translate ---

var translateCmd = &cobra.Command{
	Use:   "translate <text...>",
	Short: "Translate text the way generate translates prompts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		langPair, _ := cmd.Flags().GetString("lang-pair")
		if langPair == "" {
			langPair = cfg.Translate.LangPair
		}

		t, err := translate.NewClient(cfg.Translate.BaseURL, langPair)
		if err != nil {
			return err
		}
		out, err := t.Translate(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	translateCmd.Flags().String("lang-pair", "", "source|target language pair (default from config)")
}

// --- predictions ---

var predictionsCmd = &cobra.Command{
	Use:   "predictions",
	Short: "Browse predictions recorded by the proxy",
}

var predictionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent predictions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/predictions?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}

		var rows []storage.Prediction
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}

		if len(rows) == 0 {
			printWarning("No predictions recorded")
			return nil
		}
		fmt.Print(formatPredictions(rows))
		return nil
	},
}

var predictionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one prediction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		live, _ := cmd.Flags().GetBool("live")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/history/" + url.PathEscape(args[0])
		if live {
			path = "/predictions/" + url.PathEscape(args[0])
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var v any
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	},
}

func init() {
	predictionsListCmd.Flags().Int("limit", 20, "maximum number of predictions to list")
	predictionsListCmd.Flags().Int("offset", 0, "number of predictions to skip")
	predictionsShowCmd.Flags().Bool("live", false, "fetch the current snapshot from Replicate instead of history")
	predictionsCmd.AddCommand(predictionsListCmd)
	predictionsCmd.AddCommand(predictionsShowCmd)
}

// padRight pads s with spaces to the given display width.
func padRight(s string, width int) string {
	if w := runewidth.StringWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

func formatPredictions(rows []storage.Prediction) string {
	header := []string{"ID", "STATUS", "CREATED", "OUTPUT"}
	cells := make([][]string, 0, len(rows))
	for _, p := range rows {
		detail := p.OutputURL
		if p.ArchivedURL != "" {
			detail = p.ArchivedURL
		}
		if p.Error != "" {
			detail = p.Error
		}
		cells = append(cells, []string{
			p.ID,
			p.Status,
			p.CreatedAt.Local().Format("2006-01-02 15:04"),
			runewidth.Truncate(detail, 60, "…"),
		})
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range cells {
		for i, c := range row {
			if w := runewidth.StringWidth(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	writeRow := func(row []string) {
		for i, c := range row {
			if i == len(row)-1 {
				b.WriteString(c)
				continue
			}
			b.WriteString(padRight(c, widths[i]))
			b.WriteString("  ")
		}
		b.WriteString("\n")
	}
	boldHeader := make([]string, len(header))
	for i, h := range header {
		boldHeader[i] = padRight(h, widths[i])
		if i == len(header)-1 {
			boldHeader[i] = h
		}
	}
	b.WriteString(colorize(colorBold, strings.Join(boldHeader, "  ")))
	b.WriteString("\n")
	for _, row := range cells {
		writeRow(row)
	}
	return b.String()
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

		printStatus("Source", "%s", config.BackendLocation())
		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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
	Short: "Remove a stored value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> [value]",
	Short: "Store a secret in the platform secret store",
	Long: fmt.Sprintf(`Store a secret in the platform secret store.

Secret keys: %s

Without a value, the secret is read from a masked prompt.`, strings.Join(config.SecretKeys(), ", ")),
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("no value for %s: pass it as an argument or run in a terminal", key)
			}
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().
					Title(key).
					EchoMode(huh.EchoModePassword).
					Value(&value),
			))
			if err := form.Run(); err != nil {
				return err
			}
		}

		if err := config.SetSecret(key, value); err != nil {
			return err
		}
		printSuccess("Stored %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
