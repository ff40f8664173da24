package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dendisuhubdy/haste"
)

func main() {
	app := &cli.Command{
		Name:  "hastebench",
		Usage: "RNN kernel benchmark harness",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			infoCmd(),
			summaryCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cli.Command {
	var (
		suitePath string
		iters     int64
	)
	return &cli.Command{
		Name:  "run",
		Usage: "Run a benchmark suite",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "suite",
				Usage:       "YAML suite file; a built-in suite runs when omitted",
				Destination: &suitePath,
			},
			&cli.Int64Flag{
				Name:        "iters",
				Usage:       "override per-case iteration count",
				Destination: &iters,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			suite, err := loadSuite(suitePath)
			if err != nil {
				return err
			}
			if iters > 0 {
				for i := range suite.Cases {
					suite.Cases[i].Iters = int(iters)
				}
			}

			sessionID, err := haste.InitBenchmarkLogger("hastebench")
			if err != nil {
				return err
			}
			fmt.Printf("session %s on %s\n", sessionID, haste.CPUInfo())

			for _, c := range suite.Cases {
				result, err := runCase(c)
				if err != nil {
					haste.LogBenchmarkFail(c.Name, err)
					fmt.Printf("✗ %-32s %v\n", c.Name, err)
					continue
				}
				haste.LogBenchmarkPass(c.Name, result.nsPerOp, result.gflops, int64(c.Iters))
				fmt.Printf("✓ %-32s %12.0f ns/op %8.2f GFLOPS\n", c.Name, result.nsPerOp, result.gflops)
			}
			return nil
		},
	}
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Report CPU features and module version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println(haste.CPUInfo())
			feat := haste.Features()
			fmt.Printf("sse4=%t avx=%t avx2=%t avx512f=%t fma=%t neon=%t\n",
				feat.HasSSE4, feat.HasAVX, feat.HasAVX2, feat.HasAVX512F, feat.HasFMA, feat.HasNEON)
			if v, sum := haste.Version(); v != "" {
				fmt.Printf("version %s %s\n", v, sum)
			}
			return nil
		},
	}
}

func summaryCmd() *cli.Command {
	return &cli.Command{
		Name:  "summary",
		Usage: "Print the latest benchmark session summary",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return haste.PrintBenchmarkSummary()
		},
	}
}
