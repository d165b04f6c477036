package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/evm-ingestor/pkg/data/postgres/evmrepo"
	"github.com/ava-labs/evm-ingestor/pkg/postgres"
	"github.com/ava-labs/evm-ingestor/pkg/utils"
)

func remove(c *cli.Context) error {
	ctx := context.Background()
	sugar, err := utils.NewSugaredLogger(false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer utils.SyncLogger(sugar)

	pgCfg, err := postgresConfig(c)
	if err != nil {
		return err
	}
	pool, err := postgres.New(ctx, pgCfg, sugar)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	repo := evmrepo.New(pool)
	for _, chain := range c.StringSlice("chain") {
		deleted, err := repo.DeleteChain(ctx, chain)
		if err != nil {
			return fmt.Errorf("failed to delete rows of %s: %w", chain, err)
		}
		sugar.Infow("chain removed", "chain", chain, "rows", deleted)
	}
	return nil
}
