// Command kisan-dost talks to the farming assistant from a terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/RichardoC/kisan-dost/internal/agmarknet"
	"github.com/RichardoC/kisan-dost/internal/chat"
	"github.com/RichardoC/kisan-dost/internal/classifier"
	"github.com/RichardoC/kisan-dost/internal/config"
	"github.com/RichardoC/kisan-dost/internal/language"
	"github.com/RichardoC/kisan-dost/internal/llm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	langFlag   string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:          "kisan-dost",
		Short:        "Ask the Kisan Dost farming assistant",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("KISANDOST_CONFIG"), "path to a TOML config file")
	root.PersistentFlags().StringVarP(&langFlag, "lang", "l", "", "answer language (en, hi, te, ta, kn, mr, bn, gu, ml, pa)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at info level")

	root.AddCommand(askCmd(), chatCmd(), classifyCmd(), priceCmd(),
		marketCmd(), schemesCmd(), weatherCmd(), diagnoseCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

var newBackend = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (llm.Backend, error) {
	return llm.NewBackend(ctx, cfg.Gemini, logger)
}

// setup loads the configuration, the answer language and the model backend.
func setup(ctx context.Context, logger *zap.Logger) (*config.Config, language.Code, llm.Backend, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", nil, err
	}
	lang := cfg.DefaultLanguage()
	if langFlag != "" {
		if lang, err = language.Parse(langFlag); err != nil {
			return nil, "", nil, err
		}
	}
	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return nil, "", nil, err
	}
	return cfg, lang, backend, nil
}

// openSession returns an open, ready manager.
func openSession(ctx context.Context, logger *zap.Logger) (*chat.Manager, error) {
	cfg, lang, backend, err := setup(ctx, logger)
	if err != nil {
		return nil, err
	}

	m := chat.New(backend, backend,
		chat.WithLogger(logger),
		chat.WithLanguage(lang),
		chat.WithRequestTimeout(cfg.Chat.RequestTimeout),
	)
	if err := m.Open(); err != nil {
		m.Shutdown()
		return nil, err
	}
	if _, err := m.Wait(ctx, func(st chat.State) bool { return st.Status == chat.StatusReady }); err != nil {
		m.Shutdown()
		return nil, err
	}
	return m, nil
}

// ask submits text and waits for the reply.
func ask(ctx context.Context, m *chat.Manager, text string) (string, error) {
	n := len(m.State().Messages)
	if !m.Submit(text) {
		return "", fmt.Errorf("message not accepted")
	}
	st, err := m.Wait(ctx, func(st chat.State) bool { return !st.Busy && len(st.Messages) >= n+2 })
	if err != nil {
		return "", err
	}
	return st.Messages[len(st.Messages)-1].Content, nil
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			m, err := openSession(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer m.Shutdown()

			answer, err := ask(cmd.Context(), m, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start a conversation; /lang <code> switches language, /quit exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			m, err := openSession(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer m.Shutdown()

			return converse(cmd.Context(), m, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func converse(ctx context.Context, m *chat.Manager, in io.Reader, out io.Writer) error {
	ready := func(st chat.State) bool { return st.Status == chat.StatusReady }

	st := m.State()
	fmt.Fprintf(out, "%s\n> ", st.Messages[0].Content)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/lang "):
			code, err := language.Parse(strings.TrimPrefix(line, "/lang "))
			if err != nil {
				fmt.Fprintln(out, err)
				break
			}
			if err := m.SetLanguage(code); err != nil {
				return err
			}
			st, err := m.Wait(ctx, func(st chat.State) bool { return ready(st) && st.Language == code })
			if err != nil {
				return err
			}
			fmt.Fprintln(out, st.Messages[0].Content)
		default:
			answer, err := ask(ctx, m, line)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, answer)
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>",
		Short: "Report whether text would be routed as a market price query",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), classifier.IsPriceQuery(strings.Join(args, " ")))
		},
	}
}

func priceCmd() *cobra.Command {
	var commodity, market string
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Fetch the latest Agmarknet modal price",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Agmarknet.APIKey == "" {
				return fmt.Errorf("agmarknet.api_key is not set")
			}
			answer, err := marketClient(cfg).LatestPrice(cmd.Context(), commodity, market)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().StringVar(&commodity, "commodity", "", "commodity, e.g. Onion")
	cmd.Flags().StringVar(&market, "market", "", "market, e.g. Lasalgaon")
	cmd.MarkFlagRequired("commodity")
	cmd.MarkFlagRequired("market")
	return cmd
}

func marketClient(cfg *config.Config) *agmarknet.Client {
	return agmarknet.NewClient(cfg.Agmarknet.BaseURL, cfg.Agmarknet.APIKey, &http.Client{Timeout: cfg.Agmarknet.Timeout})
}

func marketCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "market <question>",
		Short: "Answer a price question, with the live Agmarknet price when one is named",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			cfg, lang, backend, err := setup(cmd.Context(), logger)
			if err != nil {
				return err
			}
			q := strings.Join(args, " ")
			out := cmd.OutOrStdout()

			if commodity, market, ok := classifier.PriceSubject(q); ok && cfg.Agmarknet.APIKey != "" {
				live, err := marketClient(cfg).LatestPrice(cmd.Context(), commodity, market)
				if err != nil {
					logger.Warn("Failed to fetch live market price", zap.Error(err))
				} else {
					fmt.Fprintln(out, live)
				}
			}
			answer, err := backend.Lookup(cmd.Context(), q, lang)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, answer)
			return nil
		},
	}
}

func schemesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schemes <question>",
		Short: "Ask about government agricultural schemes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			_, lang, backend, err := setup(cmd.Context(), logger)
			if err != nil {
				return err
			}
			answer, err := backend.Schemes(cmd.Context(), strings.Join(args, " "), lang)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
}

func weatherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "weather <location>",
		Short: "Show the current weather and a five-day forecast",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			_, lang, backend, err := setup(cmd.Context(), logger)
			if err != nil {
				return err
			}
			f, err := backend.Weather(cmd.Context(), strings.Join(args, " "), lang)
			if err != nil {
				return err
			}
			if f.Error != "" {
				return errors.New(f.Error)
			}
			printForecast(cmd.OutOrStdout(), f)
			return nil
		},
	}
}

func printForecast(out io.Writer, f *llm.Forecast) {
	fmt.Fprintf(out, "%s: %.0f°C, %s, humidity %.0f%%, wind %.0f km/h\n",
		f.Location, f.Current.TempC, f.Current.Condition, f.Current.Humidity, f.Current.WindKPH)
	for _, d := range f.Days {
		fmt.Fprintf(out, "  %-10s %3.0f°C / %3.0f°C  %s\n", d.Day, d.HighC, d.LowC, d.Condition)
	}
	if f.Analysis != "" {
		fmt.Fprintln(out, f.Analysis)
	}
}

func diagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose <leaf-photo>",
		Short: "Diagnose plant disease from a JPEG, PNG or WebP photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			image, err := llm.NewImage(data)
			if err != nil {
				return err
			}
			_, lang, backend, err := setup(cmd.Context(), logger)
			if err != nil {
				return err
			}
			d, err := backend.Diagnose(cmd.Context(), image, lang)
			if err != nil {
				return err
			}
			if d.Error != "" {
				return errors.New(d.Error)
			}
			printDiagnosis(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func printDiagnosis(out io.Writer, d *llm.Diagnosis) {
	fmt.Fprintf(out, "%s: %s\n", d.DiseaseName, d.Description)
	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintln(out, title)
		for _, item := range items {
			fmt.Fprintf(out, "  - %s\n", item)
		}
	}
	list("Symptoms:", d.Symptoms)
	list("Organic remedies:", d.Remedies.Organic)
	list("Chemical remedies:", d.Remedies.Chemical)
	if len(d.Fertilizers) > 0 {
		fmt.Fprintln(out, "Fertilizers:")
		for _, f := range d.Fertilizers {
			fmt.Fprintf(out, "  - %s (%s): %s\n", f.Name, f.Price, f.Description)
		}
	}
}
