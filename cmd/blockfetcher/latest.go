package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/evm-ingestor/pkg/chainadapter"
	"github.com/ava-labs/evm-ingestor/pkg/chainadapter/evm"
	"github.com/ava-labs/evm-ingestor/pkg/config"
	"github.com/ava-labs/evm-ingestor/pkg/cursor"
	"github.com/ava-labs/evm-ingestor/pkg/utils"
)

// chainStatus is one row of the latest command.
type chainStatus struct {
	Chain  string
	Head   string
	Cursor string
	Lag    string
}

func latest(c *cli.Context) error {
	ctx := context.Background()
	sugar, err := utils.NewSugaredLogger(false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer utils.SyncLogger(sugar)

	if err := validateStore(c.String("cursor-store")); err != nil {
		return err
	}
	chains, failed, err := loadChains(c.String("chains-config"), c.String("env-file"), c.StringSlice("chain"))
	if err != nil {
		return err
	}
	for _, f := range failed {
		sugar.Warnw("chain skipped", "chain", f.Chain, "error", f.Err)
	}
	store, err := openCursorStore(ctx, c.String("cursor-store"), c.String("cursor-table-name"), sugar)
	if err != nil {
		return fmt.Errorf("failed to open cursor store: %w", err)
	}
	defer store.close()

	evmCfg := evm.DefaultConfig()
	evmCfg.CallTimeout = c.Duration("rpc-call-timeout")

	rows := make([]chainStatus, 0, len(chains))
	for _, ch := range chains {
		rows = append(rows, status(ctx, ch, store, chainadapter.Options{EVM: evmCfg, Log: sugar}))
	}
	return printStatus(os.Stdout, rows)
}

// status never fails: unreachable providers and stores show up in the row.
func status(ctx context.Context, ch config.Blockchain, store cursor.Store, opts chainadapter.Options) chainStatus {
	row := chainStatus{Chain: ch.Name, Head: "-", Cursor: "-", Lag: "-"}

	cur, ok, err := cursor.Load(ctx, store, ch.Name)
	switch {
	case err != nil:
		row.Cursor = "error: " + err.Error()
	case ok:
		last, _ := cur.Last()
		row.Cursor = fmt.Sprint(last)
	}

	adapter, err := chainadapter.New(ctx, ch.Endpoint(), opts)
	if err != nil {
		row.Head = "error: " + err.Error()
		return row
	}
	defer adapter.Close()

	head, err := adapter.Latest(ctx)
	if err != nil {
		row.Head = "error: " + err.Error()
		return row
	}
	row.Head = fmt.Sprint(head.Number)
	if ok && head.Number >= cur.Next() {
		row.Lag = fmt.Sprint(head.Number - cur.Next() + 1)
	} else if ok {
		row.Lag = "0"
	}
	return row
}

func printStatus(w io.Writer, rows []chainStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAIN\tHEAD\tCURSOR\tLAG")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Chain, r.Head, r.Cursor, r.Lag)
	}
	return tw.Flush()
}
