package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/blobstore"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/config"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/persistence"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/registry"
)

// backends holds the storage side of the service built from config.
type backends struct {
	store    blobstore.Store
	registry registry.Registry
	codec    *persistence.Codec

	badgers map[config.BadgerConfig]*badger.DB
	closers []func() error
}

// openBackends builds the blob store, registry and codec named by cfg.
// The caller must Close the result.
func openBackends(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *backends, err error) {
	b := &backends{badgers: make(map[config.BadgerConfig]*badger.DB)}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	compression, err := persistence.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}
	b.codec = persistence.NewCodec(compression)

	store, err := b.openStore(ctx, cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("storage %q: %w", cfg.Storage.Backend, err)
	}
	if cfg.Storage.ReadCacheBytes > 0 && cfg.Storage.Backend != "memory" {
		cached, err := blobstore.NewCachingStore(store, cfg.Storage.ReadCacheBytes)
		if err != nil {
			return nil, fmt.Errorf("read cache: %w", err)
		}
		b.closers = append(b.closers, func() error { cached.Close(); return nil })
		store = cached
	}
	b.store = store

	reg, err := b.openRegistry(ctx, cfg.Registry, log)
	if err != nil {
		return nil, fmt.Errorf("registry %q: %w", cfg.Registry.Backend, err)
	}
	b.registry = reg

	log.Info("storage ready",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("registry", cfg.Registry.Backend),
		zap.String("compression", compression.String()))
	return b, nil
}

func (b *backends) openStore(ctx context.Context, sc config.StorageConfig, log *zap.Logger) (blobstore.Store, error) {
	switch sc.Backend {
	case "memory":
		return blobstore.NewMemoryStore(), nil
	case "local":
		return blobstore.NewLocalStore(sc.Local.Dir)
	case "s3":
		awsCfg, err := loadAWSConfig(ctx, sc.S3.Region)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if sc.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(sc.S3.Endpoint)
				o.UsePathStyle = true
			}
		})
		return blobstore.NewS3Store(client, sc.S3.Bucket, sc.S3.Prefix), nil
	case "minio":
		return blobstore.DialMinio(blobstore.MinioOptions{
			Endpoint:  sc.Minio.Endpoint,
			AccessKey: sc.Minio.AccessKey,
			SecretKey: sc.Minio.SecretKey,
			UseSSL:    sc.Minio.UseSSL,
			Bucket:    sc.Minio.Bucket,
			Prefix:    sc.Minio.Prefix,
		})
	case "badger":
		db, err := b.openBadger(sc.Badger, log)
		if err != nil {
			return nil, err
		}
		return blobstore.NewBadgerStore(db), nil
	case "walrus":
		return blobstore.NewWalrusStore(blobstore.WalrusOptions{
			PublisherURL:  sc.Walrus.PublisherURL,
			AggregatorURL: sc.Walrus.AggregatorURL,
			Epochs:        sc.Walrus.Epochs,
			Timeout:       sc.Walrus.Timeout,
		})
	}
	return nil, errors.New("unknown storage backend")
}

func (b *backends) openRegistry(ctx context.Context, rc config.RegistryConfig, log *zap.Logger) (registry.Registry, error) {
	switch rc.Backend {
	case "memory":
		return registry.NewMemoryRegistry(), nil
	case "badger":
		db, err := b.openBadger(rc.Badger, log)
		if err != nil {
			return nil, err
		}
		return registry.NewBadgerRegistry(db), nil
	case "dynamodb":
		awsCfg, err := loadAWSConfig(ctx, rc.DynamoDB.Region)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if rc.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(rc.DynamoDB.Endpoint)
			}
		})
		return registry.NewDynamoRegistry(client, rc.DynamoDB.Table), nil
	}
	return nil, errors.New("unknown registry backend")
}

// openBadger opens one DB per distinct setting so storage and registry can
// share a directory.
func (b *backends) openBadger(bc config.BadgerConfig, log *zap.Logger) (*badger.DB, error) {
	if db, ok := b.badgers[bc]; ok {
		return db, nil
	}
	db, err := blobstore.OpenBadger(blobstore.BadgerOptions{
		Dir:      bc.Dir,
		InMemory: bc.InMemory,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	b.badgers[bc] = db
	b.closers = append(b.closers, db.Close)
	return db, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// Close releases backends in reverse order of opening.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
