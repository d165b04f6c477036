package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "blockfetcher",
		Usage: "Ingest blocks of the configured EVM chains into Kafka",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Backfill every configured chain from its cursor and follow the head",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "remove",
				Usage:  "Delete the stored cursor of a chain so the next run starts from its start block",
				Flags:  removeFlags(),
				Action: remove,
			},
			{
				Name:   "latest",
				Usage:  "Print the head block and stored cursor of every configured chain",
				Flags:  latestFlags(),
				Action: latest,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
