package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/persistence"
)

// SnapshotInfo summarizes a stored snapshot. Vectors excludes tombstoned ids.
type SnapshotInfo struct {
	Ref          string      `json:"blob_ref"`
	User         string      `json:"user"`
	Version      uint64      `json:"version"`
	CreatedAt    time.Time   `json:"created_at"`
	Config       hnsw.Config `json:"config"`
	Bytes        int         `json:"bytes"`
	Vectors      int         `json:"vectors"`
	Tombstones   uint64      `json:"tombstones"`
	WithMetadata int         `json:"with_metadata"`
}

func NewInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <blob-ref>",
		Short: "Decode a stored snapshot and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackends(cmd.Context(), a.cfg, a.log)
			if err != nil {
				return err
			}
			defer func() {
				if err := b.Close(); err != nil {
					a.log.Error("failed to close storage", zap.Error(err))
				}
			}()

			info, err := inspectSnapshot(cmd.Context(), b.store, b.codec, blobstore.Ref(args[0]))
			if err != nil {
				return err
			}
			data, err := sonic.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to format snapshot: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func inspectSnapshot(ctx context.Context, store blobstore.Store, codec *persistence.Codec, ref blobstore.Ref) (SnapshotInfo, error) {
	data, err := store.Get(ctx, ref)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("read %s: %w", ref, err)
	}
	snap, idx, err := codec.Restore(data)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("decode %s: %w", ref, err)
	}
	live := 0
	for _, id := range idx.IDs() {
		if !snap.Tombstones.Contains(id) {
			live++
		}
	}
	return SnapshotInfo{
		Ref:          ref.String(),
		User:         snap.UserKey,
		Version:      snap.Version,
		CreatedAt:    snap.CreatedAt,
		Config:       snap.Config,
		Bytes:        len(data),
		Vectors:      live,
		Tombstones:   snap.Tombstones.GetCardinality(),
		WithMetadata: len(snap.Metadata),
	}, nil
}
