package rewrite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/js-rules/tools/please_js/common"
)

// ErrUnparsable is returned by Run in strict mode when a source failed to parse.
var ErrUnparsable = zerr.New("sources could not be parsed")

// Args holds the arguments for the rewrite subcommand.
type Args struct {
	OutDir      string
	Srcs        []string
	Identifier  string
	Exclude     []string
	Concurrency int
	// Transpile additionally compiles TS, TSX and JSX output to JavaScript.
	Transpile bool
	// Strict fails the run when any source cannot be parsed.
	Strict bool
	Logger zerolog.Logger
}

// Run rewrites the dynamic imports of each source into OutDir, next to a
// source map. Files that are not JavaScript, or that fail to parse, are copied
// as-is.
func Run(ctx context.Context, args Args) error {
	if err := os.MkdirAll(args.OutDir, 0755); err != nil {
		return zerr.Wrap(err, "failed to create output directory")
	}

	var (
		mu     sync.Mutex
		failed []Diagnostic
	)
	rw := &Rewriter{
		Identifier: args.Identifier,
		Exclude:    args.Exclude,
		Logger:     args.Logger,
		Reporter: func(d Diagnostic) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, d)
		},
	}
	if rw.Exclude == nil {
		rw.Exclude = DefaultExclude
	}

	g, ctx := errgroup.WithContext(ctx)
	if args.Concurrency > 0 {
		g.SetLimit(args.Concurrency)
	}
	for _, src := range args.Srcs {
		g.Go(func() error {
			return rw.file(ctx, src, args)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if args.Strict && len(failed) > 0 {
		return zerr.With(ErrUnparsable, "count", len(failed))
	}
	return nil
}

func (r *Rewriter) file(ctx context.Context, src string, args Args) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to read source"), "path", src)
	}
	name := filepath.Base(src)

	parse, ok := ParserFor(src)
	if !ok {
		return write(filepath.Join(args.OutDir, name), data)
	}
	res, err := r.Rewrite(ctx, data, name, parse)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			return write(filepath.Join(args.OutDir, name), data)
		}
		return err
	}

	if args.Transpile {
		if loader := common.Loaders[filepath.Ext(src)]; loader != api.LoaderJS && common.IsScript(loader) {
			return transpile(res, src, args.OutDir)
		}
	}

	mapName := name + ".map"
	code := res.Code + "\n//# sourceMappingURL=" + mapName + "\n"
	if err := write(filepath.Join(args.OutDir, name), []byte(code)); err != nil {
		return err
	}
	return write(filepath.Join(args.OutDir, mapName), []byte(res.Map.String()))
}

// transpile compiles rewritten TypeScript or JSX to JavaScript. The rewrite's
// source map is passed inline so esbuild chains it into the output map.
func transpile(res *Result, src, outDir string) error {
	ext := filepath.Ext(src)
	result := api.Transform(res.InlineMap(), api.TransformOptions{
		Loader:     common.Loaders[ext],
		Format:     api.FormatESModule,
		Target:     api.ESNext,
		JSX:        api.JSXAutomatic,
		Sourcemap:  api.SourceMapInline,
		SourceRoot: filepath.Dir(src),
		Sourcefile: filepath.Base(src),
	})
	if len(result.Errors) > 0 {
		var err error
		for _, e := range result.Errors {
			if e.Location != nil {
				err = errors.Join(err, zerr.With(zerr.With(zerr.New(e.Text), "line", e.Location.Line), "column", e.Location.Column))
			} else {
				err = errors.Join(err, zerr.New(e.Text))
			}
		}
		return zerr.With(zerr.Wrap(err, "transpilation failed"), "path", src)
	}
	outName := strings.TrimSuffix(filepath.Base(src), ext) + ".js"
	return write(filepath.Join(outDir, outName), result.Code)
}

func write(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to write output"), "path", path)
	}
	return nil
}
