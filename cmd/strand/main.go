// Command strand runs agent evaluation suites and parameter searches.
//
// Usage:
//
//	strand eval --suite test/eval/suites/smoke.yaml
//	strand eval --dir test/eval/suites --tags fast --format markdown
//	strand optimize --suite test/eval/suites/smoke.yaml --trials 30
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/strandkit/strand/pkg/config"
	"github.com/strandkit/strand/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Eval     EvalCmd     `cmd:"" help:"Run evaluation suites."`
	Optimize OptimizeCmd `cmd:"" help:"Search agent parameters against a suite."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("strand"),
		kong.Description("strand - agent evaluation and optimization toolkit"),
		kong.UsageOnError(),
	)

	cleanup, err := logger.Setup(logger.Options{
		Level:  cli.LogLevel,
		File:   cli.LogFile,
		Format: cli.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
