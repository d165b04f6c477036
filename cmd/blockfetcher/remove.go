package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/evm-ingestor/pkg/config"
	"github.com/ava-labs/evm-ingestor/pkg/utils"
)

func remove(c *cli.Context) error {
	ctx := context.Background()
	sugar, err := utils.NewSugaredLogger(c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer utils.SyncLogger(sugar)

	names := c.StringSlice("chain")
	if len(names) == 0 {
		return errors.New("at least one --chain is required")
	}
	if err := validateStore(c.String("cursor-store")); err != nil {
		return err
	}
	chains, failed, err := loadChains(c.String("chains-config"), c.String("env-file"), names)
	if err != nil {
		return err
	}
	// Removing a cursor needs only the name, so broken entries are removable.
	for _, f := range failed {
		chains = append(chains, config.Blockchain{Name: f.Chain})
	}

	store, err := openCursorStore(ctx, c.String("cursor-store"), c.String("cursor-table-name"), sugar)
	if err != nil {
		return fmt.Errorf("failed to open cursor store: %w", err)
	}
	defer store.close()

	for _, ch := range chains {
		if err := store.Delete(ctx, ch.Name); err != nil {
			return fmt.Errorf("failed to delete cursor of %s: %w", ch.Name, err)
		}
		sugar.Infof("cursor successfully removed for chain %s", ch.Name)
	}
	return nil
}
