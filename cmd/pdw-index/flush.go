package main

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/cache"
)

func NewFlushCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "flush <user>",
		Short: "Load a user's index from the registry and flush it",
		Long: `Load the user's latest snapshot through the configured registry and
blob store, then force a flush. With nothing pending this writes nothing and
prints the stored reference, which checks a persisted index end to end.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.validate(); err != nil {
				return err
			}
			res, err := runFlush(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			data, err := sonic.MarshalIndent(res, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to format result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func runFlush(ctx context.Context, a *app, user string) (cache.FlushResult, error) {
	b, err := openBackends(ctx, a.cfg, a.log)
	if err != nil {
		return cache.FlushResult{}, err
	}
	defer func() {
		if err := b.Close(); err != nil {
			a.log.Error("failed to close storage", zap.Error(err))
		}
	}()

	opts := a.cfg.CacheOptions()
	opts.Store = b.store
	opts.Registry = b.registry
	opts.Codec = b.codec
	opts.Logger = a.log

	c, err := cache.New(opts)
	if err != nil {
		return cache.FlushResult{}, fmt.Errorf("failed to create cache: %w", err)
	}
	defer c.Destroy()

	res, err := c.ForceFlush(ctx, user)
	if err != nil {
		return cache.FlushResult{}, fmt.Errorf("flush %s: %w", user, err)
	}
	a.log.Info("flush completed",
		zap.String("user", user),
		zap.Uint64("version", res.Version),
		zap.String("blob_ref", res.Ref.String()),
		zap.Bool("flushed", res.Flushed))
	return res, nil
}
