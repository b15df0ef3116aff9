// wpctl talks to a vehicle over its TCP link and inspects or edits the
// mission stored on it. It is an operator tool for bench work and field
// debugging; the resident agent (missionlink) is not involved.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/aerialworks/mission_link/logging"
	"github.com/aerialworks/mission_link/missionfile"
	"github.com/aerialworks/mission_link/missions"
	"github.com/aerialworks/mission_link/tcptransport"
)

// version is set via ldflags at build time.
var version = "dev"

const (
	connectTimeout   = 10 * time.Second
	transferDeadline = 2 * time.Minute
	confirmTimeout   = 10 * time.Second
)

func main() {
	app := &cli.App{
		Name:    "wpctl",
		Usage:   "Inspect and edit the mission on a vehicle over its TCP link",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "link",
				Usage: "The vehicle link address (host:port)",
				Value: "127.0.0.1:5760",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-request response timeout",
				Value: 2 * time.Second,
			},
			&cli.IntFlag{
				Name:  "attempts",
				Usage: "Attempts per request before the transfer fails",
				Value: 3,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log protocol traffic to stderr",
			},
		},
		Commands: []*cli.Command{
			downloadCommand(),
			uploadCommand(),
			clearCommand(),
			currentCommand(),
			setCurrentCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wpctl: %v\n", err)
		os.Exit(1)
	}
}

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:  "download",
		Usage: "Download the mission and write it as mission file text",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write to this file instead of stdout",
			},
		},
		Action: func(c *cli.Context) error {
			return withEngine(c, func(ctx context.Context, engine *missions.Engine) error {
				if err := engine.Download(); err != nil {
					return err
				}
				opCtx, cancel := context.WithTimeout(ctx, transferDeadline)
				defer cancel()
				if err := engine.WaitValid(opCtx); err != nil {
					return err
				}

				doc, err := storeDocument(engine)
				if err != nil {
					return err
				}

				out := io.Writer(os.Stdout)
				if path := c.String("output"); path != "" {
					f, err := os.Create(path)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}
				if err := missionfile.Write(out, doc); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "downloaded %d entries\n", engine.Store().Length())
				return nil
			})
		},
	}
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Replace the vehicle's mission with one read from a mission file",
		ArgsUsage: "<file>   (use - for stdin)",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: wpctl upload <file>", 2)
			}
			doc, err := readDocument(c.Args().First())
			if err != nil {
				return err
			}
			if doc.Home != nil {
				fmt.Fprintln(os.Stderr, "note: the home row is vehicle-managed and will not be uploaded")
			}
			return withEngine(c, func(ctx context.Context, engine *missions.Engine) error {
				store := engine.Store()
				store.ClearLocal()
				for _, cmd := range doc.Tail {
					if err := store.Add(cmd); err != nil {
						return err
					}
				}
				opCtx, cancel := context.WithTimeout(ctx, transferDeadline)
				defer cancel()
				if err := engine.Upload(opCtx); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "uploaded %d entries\n", len(doc.Tail))
				return nil
			})
		},
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Erase the mission stored on the vehicle",
		Action: func(c *cli.Context) error {
			return withEngine(c, func(ctx context.Context, engine *missions.Engine) error {
				opCtx, cancel := context.WithTimeout(ctx, transferDeadline)
				defer cancel()
				if err := engine.ClearRemote(opCtx); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "remote mission cleared; download before the next upload")
				return nil
			})
		},
	}
}

func currentCommand() *cli.Command {
	return &cli.Command{
		Name:  "current",
		Usage: "Show which mission entry the vehicle is executing",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Keep printing whenever the entry changes",
			},
		},
		Action: func(c *cli.Context) error {
			return withEngine(c, func(ctx context.Context, engine *missions.Engine) error {
				// reports are unsolicited, so allow one report interval
				// to pass before reading the first snapshot
				deadline := time.Now().Add(2 * time.Second)
				p := engine.Progress()
				for p.Observed < 0 && time.Now().Before(deadline) {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(100 * time.Millisecond):
					}
					p = engine.Progress()
				}
				printProgress(p)

				if !c.Bool("watch") {
					return nil
				}
				ticker := time.NewTicker(200 * time.Millisecond)
				defer ticker.Stop()
				last := p
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						if cur := engine.Progress(); cur != last {
							printProgress(cur)
							last = cur
						}
					}
				}
			})
		},
	}
}

func setCurrentCommand() *cli.Command {
	return &cli.Command{
		Name:      "set-current",
		Usage:     "Ask the vehicle to jump to a mission entry",
		ArgsUsage: "<index>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: wpctl set-current <index>", 2)
			}
			seq, err := strconv.Atoi(c.Args().First())
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid index %q", c.Args().First()), 2)
			}
			return withEngine(c, func(ctx context.Context, engine *missions.Engine) error {
				// the index check needs a fresh count from the vehicle
				if err := engine.Download(); err != nil {
					return err
				}
				opCtx, cancel := context.WithTimeout(ctx, transferDeadline)
				defer cancel()
				if err := engine.WaitValid(opCtx); err != nil {
					return err
				}
				if err := engine.SetCurrent(seq); err != nil {
					return err
				}

				confirmCtx, cancelConfirm := context.WithTimeout(ctx, confirmTimeout)
				defer cancelConfirm()
				for {
					if p := engine.Progress(); p.Confirmed {
						fmt.Printf("current entry is now %d\n", p.Observed)
						return nil
					}
					select {
					case <-confirmCtx.Done():
						fmt.Fprintln(os.Stderr, "request sent; the vehicle has not confirmed yet")
						return nil
					case <-time.After(100 * time.Millisecond):
					}
				}
			})
		},
	}
}

// withEngine dials the vehicle link, runs the engine for the duration of fn
// and tears both down afterwards. SIGINT/SIGTERM cancel the context so a
// stuck transfer aborts cleanly.
func withEngine(c *cli.Context, fn func(ctx context.Context, engine *missions.Engine) error) error {
	log := zap.NewNop()
	if c.Bool("verbose") {
		var err error
		log, err = logging.New(logging.Config{Level: "debug", Format: "console"})
		if err != nil {
			return err
		}
		defer log.Sync()
	}

	cfg := missions.DefaultConfig()
	cfg.ResponseTimeout = c.Duration("timeout")
	cfg.MaxAttempts = c.Int("attempts")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	link := tcptransport.New(c.String("link"), tcptransport.DefaultReconnectDelay, log)
	engine := missions.NewEngine(link, cfg, log)

	var wg sync.WaitGroup
	go link.Run(ctx, &wg, engine.Receive)
	go engine.Run(ctx, &wg)
	defer wg.Wait()
	defer cancel()

	connectCtx, cancelConnect := context.WithTimeout(ctx, connectTimeout)
	defer cancelConnect()
	if err := link.WaitConnected(connectCtx); err != nil {
		return cli.Exit(fmt.Sprintf("vehicle link %s is not reachable", c.String("link")), 2)
	}

	return fn(ctx, engine)
}

// storeDocument snapshots the engine's mirror as a mission file document.
func storeDocument(engine *missions.Engine) (missionfile.Document, error) {
	store := engine.Store()
	var doc missionfile.Document
	last := store.Length()
	if home, ok := store.Home(); ok {
		doc.Home = &home.Command
		last--
	}
	for i := 1; i <= last; i++ {
		cmd, err := store.Get(i)
		if err != nil {
			return missionfile.Document{}, err
		}
		doc.Tail = append(doc.Tail, cmd)
	}
	return doc, nil
}

func readDocument(path string) (*missionfile.Document, error) {
	if path == "-" {
		return missionfile.Read(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return missionfile.Read(f)
}

func printProgress(p missions.Progress) {
	fmt.Printf("current=%d requested=%d confirmed=%v\n", p.Observed, p.Requested, p.Confirmed)
}
