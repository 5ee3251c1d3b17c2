// Command ternc compiles every method in a Tern container to native code
// and stores the results in an artifact file.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/ternvm/tern/internal/artifact"
	"github.com/ternvm/tern/internal/backend"
	"github.com/ternvm/tern/internal/bytecode"
	"github.com/ternvm/tern/internal/compiler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ternc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	in := flag.String("in", "", "Input container file")
	out := flag.String("out", "tern.art", "Output artifact file")
	isa := flag.String("isa", runtime.GOARCH, "Target instruction set (amd64, arm64)")
	configPath := flag.String("config", "", "Optional YAML config file")
	jobs := flag.Int("jobs", runtime.NumCPU(), "Concurrent method compilations")
	debug := flag.Bool("debug", false, "Enable debug logging")
	verify := flag.Bool("verify", false, "Verify dataflow after every pass group")
	dump := flag.Bool("dump", false, "Dump each method's CFG at debug level")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -in <container> [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compile a Tern container's methods to native code.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *in == "" {
		flag.Usage()
		return fmt.Errorf("input container required")
	}

	cfg := compiler.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = compiler.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	cfg.ISA = *isa
	cfg.VerifyDataflow = cfg.VerifyDataflow || *verify
	cfg.DebugDump = cfg.DebugDump || *dump
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := compiler.Init(); err != nil {
		return err
	}

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	c, err := bytecode.Load(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}
	methods := c.Methods()
	slog.Info("container loaded", "classes", len(c.Classes), "methods", len(methods))

	store, err := artifact.Open(*out)
	if err != nil {
		return err
	}
	defer store.Close()

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) && !*debug {
		bar = progressbar.Default(int64(len(methods)), "compile")
		defer bar.Close()
	}

	var compiled, skipped atomic.Int64
	var g errgroup.Group
	g.SetLimit(*jobs)
	for _, m := range methods {
		m := m
		g.Go(func() error {
			defer func() {
				if bar != nil {
					bar.Add(1)
				}
			}()
			cm, err := compiler.CompileMethod(cfg, m, c)
			if err != nil {
				switch {
				case errors.Is(err, compiler.ErrUnsupported),
					errors.Is(err, bytecode.ErrMalformed),
					errors.Is(err, backend.ErrPortable):
					slog.Debug("method skipped", "method", m.Name, "reason", err)
					skipped.Add(1)
					return nil
				default:
					return fmt.Errorf("compile %s: %w", m.Name, err)
				}
			}
			if err := store.Put(cm); err != nil {
				return err
			}
			compiled.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("done", "compiled", compiled.Load(), "skipped", skipped.Load(), "artifact", *out)
	return nil
}
