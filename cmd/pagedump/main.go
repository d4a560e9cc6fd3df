// Command pagedump loads every page of a list endpoint through the sync
// layer and prints the merged items as JSON.
//
// Usage:
//
//	pagedump --base-url https://api.example.com --path /crews [--pages=3]
//	pagedump --path /events --mode=month --year=2025 --month=3 --param department=ICU
//	pagedump --path /events --mode=range --from=2025-01-01 --to=2025-03-31
//
// Settings not given as flags come from --config (JSONC) and RESOURCE_SYNC_
// environment variables.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/goliatone/go-resource-sync/filter"
	"github.com/goliatone/go-resource-sync/pkg/di"
	"github.com/goliatone/go-resource-sync/transport"
)

type options struct {
	configPath string
	baseURL    string
	path       string
	resource   string
	token      string
	pages      int
	mode       string
	year       int
	month      int
	date       string
	from       string
	to         string
	params     map[string]string
	pretty     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	opts, code := parseFlags(errOut, args)
	if code >= 0 {
		return code
	}

	if err := dump(ctx, opts, out); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	return 0
}

func parseFlags(errOut io.Writer, args []string) (options, int) {
	var opts options

	flagSet := flag.NewFlagSet("pagedump", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	flagSet.StringVarP(&opts.configPath, "config", "c", "", "JSONC config file")
	flagSet.StringVar(&opts.baseURL, "base-url", "", "API base URL, overrides the config")
	flagSet.StringVarP(&opts.path, "path", "p", "", "list endpoint path (required)")
	flagSet.StringVar(&opts.resource, "resource", "", "resource name used in cache keys (default: derived from --path)")
	flagSet.StringVar(&opts.token, "token", "", "bearer token")
	flagSet.IntVarP(&opts.pages, "pages", "n", 0, "pages to load, 0 loads all")
	flagSet.StringVar(&opts.mode, "mode", "", "filter mode: year, month, date or range")
	flagSet.IntVar(&opts.year, "year", 0, "year for year and month modes")
	flagSet.IntVar(&opts.month, "month", 0, "month (1-12) for month mode")
	flagSet.StringVar(&opts.date, "date", "", "day for date mode, "+filter.DateLayout)
	flagSet.StringVar(&opts.from, "from", "", "range start, "+filter.DateLayout)
	flagSet.StringVar(&opts.to, "to", "", "range end, "+filter.DateLayout)
	flagSet.StringToStringVar(&opts.params, "param", nil, "extra filter dimension as key=value, repeatable")
	flagSet.BoolVar(&opts.pretty, "pretty", false, "indent output")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, 0
		}
		return opts, 2
	}

	if opts.path == "" {
		fmt.Fprintln(errOut, "error: --path is required")
		flagSet.PrintDefaults()
		return opts, 2
	}
	if opts.resource == "" {
		opts.resource = resourceFromPath(opts.path)
	}
	return opts, -1
}

func resourceFromPath(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
}

func dump(ctx context.Context, opts options, out io.Writer) error {
	cfg, err := di.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.baseURL != "" {
		cfg.Transport.BaseURL = opts.baseURL
	}
	if cfg.Transport.BaseURL == "" {
		return errors.New("no API base URL: set --base-url or RESOURCE_SYNC_API_BASE_URL")
	}

	var containerOpts []di.Option
	if opts.token != "" {
		containerOpts = append(containerOpts, di.WithTokenProvider(transport.StaticToken(opts.token)))
	}
	container, err := di.NewContainer(cfg, containerOpts...)
	if err != nil {
		return err
	}
	logger := container.Logger()

	engine, err := buildFilter(container, opts)
	if err != nil {
		return err
	}
	_, params := engine.Applied()

	load, err := di.RemotePageLoader[json.RawMessage](container, opts.path)
	if err != nil {
		return err
	}
	pager := di.UsePagedResource(container, opts.resource, params, load)

	upTo := opts.pages
	if upTo <= 0 {
		upTo = math.MaxInt
	}

	started := time.Now()
	if err := pager.Prefetch(ctx, upTo); err != nil {
		return err
	}
	view := pager.View()

	logger.Info().
		Str("key", string(pager.Key())).
		Int("pages", view.Pages).
		Int("total_pages", view.TotalPages).
		Int("items", len(view.Items)).
		Dur("took", time.Since(started)).
		Msg("pages loaded")

	enc := json.NewEncoder(out)
	if opts.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(view.Items)
}

// buildFilter turns the filter flags into an applied selection. Without
// --mode the engine default of the current year is used.
func buildFilter(container *di.Container, opts options) (*filter.Engine, error) {
	dims := make([]string, 0, len(opts.params))
	for k := range opts.params {
		dims = append(dims, k)
	}
	sort.Strings(dims)

	engine := di.NewFilterEngine(container, filter.WithDimensions(dims...))

	if opts.mode != "" {
		mode, err := filter.ParseMode(opts.mode)
		if err != nil {
			return nil, err
		}
		if err := engine.SwitchMode(mode); err != nil {
			return nil, err
		}
	}

	switch engine.Mode() {
	case filter.ModeYear, filter.ModeMonth:
		if opts.year != 0 {
			if err := engine.SetYear(opts.year); err != nil {
				return nil, err
			}
		}
		if opts.month != 0 {
			if err := engine.SetMonth(time.Month(opts.month)); err != nil {
				return nil, err
			}
		}
	case filter.ModeDate:
		if opts.date != "" {
			day, err := time.Parse(filter.DateLayout, opts.date)
			if err != nil {
				return nil, fmt.Errorf("--date: %w", err)
			}
			if err := engine.SetDate(day); err != nil {
				return nil, err
			}
		}
	case filter.ModeRange:
		if opts.from != "" || opts.to != "" {
			start, err := time.Parse(filter.DateLayout, opts.from)
			if err != nil {
				return nil, fmt.Errorf("--from: %w", err)
			}
			end, err := time.Parse(filter.DateLayout, opts.to)
			if err != nil {
				return nil, fmt.Errorf("--to: %w", err)
			}
			if err := engine.SetRange(start, end); err != nil {
				return nil, err
			}
		}
	}

	for _, k := range dims {
		if err := engine.SetDimension(k, filter.Parse(opts.params[k])); err != nil {
			return nil, err
		}
	}

	if _, err := engine.Apply(); err != nil {
		return nil, err
	}
	return engine, nil
}
