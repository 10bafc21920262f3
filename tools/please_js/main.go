package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/thought-machine/go-flags"

	"github.com/becomeliminal/js-rules/tools/please_js/canonical"
	"github.com/becomeliminal/js-rules/tools/please_js/config"
	"github.com/becomeliminal/js-rules/tools/please_js/esmdev"
	"github.com/becomeliminal/js-rules/tools/please_js/rewrite"
)

var opts = struct {
	Usage string

	Verbosity []bool `short:"v" long:"verbose" description:"Increase log verbosity (repeatable)"`
	Config    string `short:"c" long:"config" default:"mocker.yaml" description:"Path to the mocker config file"`

	Rewrite struct {
		OutDir      string   `short:"o" long:"out-dir" required:"true" description:"Output directory for rewritten files"`
		Identifier  string   `short:"i" long:"identifier" description:"Global the rewritten imports call through"`
		Exclude     []string `short:"x" long:"exclude" description:"Specifier pattern to leave alone (repeatable, replaces the defaults)"`
		Concurrency int      `short:"j" long:"concurrency" default:"0" description:"Files rewritten in parallel (0 = number of CPUs)"`
		Transpile   bool     `short:"t" long:"transpile" description:"Also compile TS/TSX/JSX output to JavaScript"`
		Strict      bool     `long:"strict" description:"Fail when a source cannot be parsed"`
		Args        struct {
			Sources []string `positional-arg-name:"sources" description:"Source files to rewrite"`
		} `positional-args:"true"`
	} `command:"rewrite" alias:"w" description:"Rewrite dynamic imports to go through the module mocker"`

	Serve struct {
		Root         string            `short:"r" long:"root" description:"Directory modules are served from"`
		Port         int               `short:"p" long:"port" description:"HTTP port"`
		Origin       string            `long:"origin" description:"Origin the test runner loads modules from"`
		ModuleConfig string            `short:"m" long:"moduleconfig" description:"Aggregated moduleconfig file"`
		Platform     string            `long:"platform" description:"Target platform: browser, node"`
		Mode         string            `long:"mode" description:"Value of import.meta.env.MODE"`
		Tsconfig     string            `long:"tsconfig" description:"Path to tsconfig.json (for JSX settings)"`
		Define       map[string]string `long:"define" description:"Define substitutions (key:value)"`
		Proxy        []string          `long:"proxy" description:"Proxy rules (prefix=target)"`
		NoMocking    bool              `long:"no-mocking" description:"Serve modules without rewriting dynamic imports"`
		Debounce     time.Duration     `long:"debounce" default:"100ms" description:"How long file changes are coalesced before runners are notified"`
	} `command:"serve" alias:"s" description:"Serve test modules with dynamic imports routed through the mocker"`

	Key struct {
		Root     string `short:"r" long:"root" description:"Directory modules are served from"`
		Origin   string `long:"origin" description:"Origin the test runner loads modules from"`
		Importer string `short:"i" long:"importer" default:"/" description:"Module the specifiers are imported from"`
		Args     struct {
			Specifiers []string `positional-arg-name:"specifiers" description:"Specifiers to canonicalize"`
		} `positional-args:"true"`
	} `command:"key" alias:"k" description:"Print the canonical module key of each specifier"`
}{
	Usage: `
please_js is the companion tool for module mocking in JavaScript/TypeScript tests.

It provides three operations:
  - rewrite: Rewrite dynamic import() expressions to go through the mocker
  - serve:   Serve test modules, rewritten and transformed on demand
  - key:     Print canonical module keys, for debugging mock registrations
`,
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	switch len(opts.Verbosity) {
	case 0:
	case 1:
		level = zerolog.DebugLevel
	default:
		level = zerolog.TraceLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func loadConfig(logger zerolog.Logger) *config.Config {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	return cfg
}

var subCommands = map[string]func() int{
	"rewrite": func() int {
		logger := newLogger()
		cfg := loadConfig(logger)
		if opts.Rewrite.Identifier != "" {
			cfg.Identifier = opts.Rewrite.Identifier
		}
		if opts.Rewrite.Exclude != nil {
			cfg.Exclude = opts.Rewrite.Exclude
		}
		if err := rewrite.Run(context.Background(), rewrite.Args{
			OutDir:      opts.Rewrite.OutDir,
			Srcs:        opts.Rewrite.Args.Sources,
			Identifier:  cfg.Identifier,
			Exclude:     cfg.Exclude,
			Concurrency: opts.Rewrite.Concurrency,
			Transpile:   opts.Rewrite.Transpile,
			Strict:      opts.Rewrite.Strict,
			Logger:      logger,
		}); err != nil {
			logger.Fatal().Err(err).Msg("rewrite failed")
		}
		return 0
	},
	"serve": func() int {
		logger := newLogger()
		cfg := loadConfig(logger).Merge(&config.Config{
			Root:         opts.Serve.Root,
			Port:         opts.Serve.Port,
			Origin:       opts.Serve.Origin,
			ModuleConfig: opts.Serve.ModuleConfig,
			Platform:     opts.Serve.Platform,
			Mode:         opts.Serve.Mode,
			Define:       opts.Serve.Define,
		})
		if opts.Serve.NoMocking {
			cfg.Enabled = config.Bool(false)
		}
		if err := esmdev.Run(esmdev.Args{
			Config:   cfg,
			Proxy:    opts.Serve.Proxy,
			Tsconfig: opts.Serve.Tsconfig,
			Debounce: opts.Serve.Debounce,
			Logger:   logger,
		}); err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
		return 0
	},
	"key": func() int {
		logger := newLogger()
		cfg := loadConfig(logger).Merge(&config.Config{
			Root:   opts.Key.Root,
			Origin: opts.Key.Origin,
		})
		root := cfg.Root
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		r := canonical.New(cfg.ServerOrigin(), root)
		for _, spec := range opts.Key.Args.Specifiers {
			fmt.Printf("%s\t%s\n", spec, r.Resolve(spec, opts.Key.Importer))
		}
		return 0
	},
}

func main() {
	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	if p.Active == nil {
		p.WriteHelp(os.Stderr)
		os.Exit(1)
	}
	os.Exit(subCommands[p.Active.Name]())
}
