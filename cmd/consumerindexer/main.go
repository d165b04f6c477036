package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "consumerindexer",
		Usage: "Consume blocks from Kafka and store them in Postgres",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the consumer indexer",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "remove",
				Usage:  "Delete the stored blocks and transactions of a chain",
				Flags:  removeFlags(),
				Action: remove,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
