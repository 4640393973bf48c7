// Command mosaic claims, inspects and searches mosaic cells against a running mosaicd.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli"

	"github.com/coachpo/mosaic/internal/infra/config"
)

const defaultConfigPath = "config/mosaicd.yaml"

type metadata struct {
	file    string
	config  config.AppConfig
	daemon  string
	verbose bool
	logger  *log.Logger
	e       io.Writer
	w       io.Writer
}

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "mosaic"
	app.Usage = "claim cells of the million-cell mosaic"
	app.Version = version
	app.HideVersion = true

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " verbose result",
		},
		cli.StringFlag{
			Name:  "config, c",
			Value: defaultConfigPath,
			Usage: " configuration `FILE`, defaults are used when missing",
		},
		cli.StringFlag{
			Name:  "daemon, d",
			Value: "",
			Usage: " mosaicd base `URL` [default apiServer.publicUrl]",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "claim",
			Usage:     "upload an image, pay for a cell and record ownership",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "x",
					Value: -1,
					Usage: " cell column `X` [default next free cell]",
				},
				cli.IntFlag{
					Name:  "y",
					Value: -1,
					Usage: " cell row `Y` [default next free cell]",
				},
				cli.StringFlag{
					Name:  "file, f",
					Value: "",
					Usage: "*image `FILE` (png, jpeg or gif)",
				},
				cli.StringFlag{
					Name:  "title, t",
					Value: "",
					Usage: " NFT title `STRING`",
				},
				cli.StringFlag{
					Name:  "description, D",
					Value: "",
					Usage: " NFT description `STRING`",
				},
				cli.StringFlag{
					Name:  "keypair, k",
					Value: "",
					Usage: "*wallet keypair `FILE` (JSON byte array)",
				},
			},
			Action: runClaim,
		},
		{
			Name:   "find",
			Usage:  "find the next unowned cell near the latest claim",
			Action: runFind,
		},
		{
			Name:      "cell",
			Usage:     "display a single cell",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "x",
					Value: -1,
					Usage: "*cell column `X`",
				},
				cli.IntFlag{
					Name:  "y",
					Value: -1,
					Usage: "*cell row `Y`",
				},
			},
			Action: runCell,
		},
		{
			Name:  "keypair",
			Usage: "wallet key pair operations",
			Subcommands: []cli.Command{
				{
					Name:      "generate",
					Usage:     "generate a new wallet key pair",
					ArgsUsage: "\n   (* = required)",
					Flags: []cli.Flag{
						cli.StringFlag{
							Name:  "output, o",
							Value: "",
							Usage: "*destination `FILE`",
						},
						cli.BoolFlag{
							Name:  "force",
							Usage: " overwrite an existing file",
						},
					},
					Action: runKeypairGenerate,
				},
				{
					Name:      "show",
					Usage:     "display the address of a key pair",
					ArgsUsage: "\n   (* = required)",
					Flags: []cli.Flag{
						cli.StringFlag{
							Name:  "keypair, k",
							Value: "",
							Usage: "*wallet keypair `FILE`",
						},
					},
					Action: runKeypairShow,
				},
			},
		},
		{
			Name:  "version",
			Usage: "display mosaic version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "%s\n", version)
				return nil
			},
		},
	}

	app.Before = func(c *cli.Context) error {
		e := c.App.ErrWriter
		w := c.App.Writer
		verbose := c.GlobalBool("verbose")

		if c.Args().Get(0) == "version" {
			return nil
		}

		file := c.GlobalString("config")
		cfg, err := config.LoadOrDefault(context.Background(), file)
		if err != nil {
			return err
		}

		daemon := strings.TrimRight(strings.TrimSpace(c.GlobalString("daemon")), "/")
		public := strings.TrimRight(cfg.APIServer.PublicURL, "/")
		switch daemon {
		case "":
			daemon = public
		case public:
		default:
			// the derived mint endpoint follows the daemon
			if cfg.Mint.Endpoint == public+"/mint" {
				cfg.Mint.Endpoint = daemon + "/mint"
			}
			cfg.APIServer.PublicURL = daemon
		}

		logger := log.New(io.Discard, "", 0)
		if verbose {
			logger = log.New(e, "mosaic ", log.LstdFlags|log.Lmicroseconds)
			fmt.Fprintf(e, "config: %q\n", file)
			fmt.Fprintf(e, "daemon: %s\n", daemon)
		}

		c.App.Metadata["config"] = &metadata{
			file:    file,
			config:  cfg,
			daemon:  daemon,
			verbose: verbose,
			logger:  logger,
			e:       e,
			w:       w,
		}
		return nil
	}
	return app
}

func printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "encode error: %s\n", err)
		return
	}
	fmt.Fprintf(w, "%s\n", b)
}
