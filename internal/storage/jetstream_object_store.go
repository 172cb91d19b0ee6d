package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultBucket is the object store bucket used by the weather pipeline
const DefaultBucket = "weather-data-pipeline"

// JetStreamObjectStore implements ObjectStore on a NATS JetStream object
// store bucket
type JetStreamObjectStore struct {
	logger *zap.Logger
	bucket string
	obs    nats.ObjectStore
}

// NewJetStreamObjectStore binds to bucket, creating it when it does not exist
func NewJetStreamObjectStore(js nats.JetStreamContext, bucket string, logger *zap.Logger) (*JetStreamObjectStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}

	obs, err := js.ObjectStore(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) || errors.Is(err, nats.ErrStreamNotFound) {
		obs, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Raw and processed pipeline artifacts",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind object store %s: %w", bucket, err)
	}

	return &JetStreamObjectStore{
		logger: logger.Named("jetstream-object-store"),
		bucket: bucket,
		obs:    obs,
	}, nil
}

// Put implements ObjectStore.Put
func (s *JetStreamObjectStore) Put(ctx context.Context, layer Layer, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name, err := objectName(layer, key)
	if err != nil {
		return err
	}
	info, err := s.obs.PutBytes(name, data)
	if err != nil {
		return fmt.Errorf("failed to put %s into %s: %w", name, s.bucket, err)
	}

	s.logger.Debug("Object stored",
		zap.String("bucket", s.bucket),
		zap.String("object", name),
		zap.Uint64("size", info.Size))
	return nil
}

// Get implements ObjectStore.Get
func (s *JetStreamObjectStore) Get(ctx context.Context, layer Layer, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name, err := objectName(layer, key)
	if err != nil {
		return nil, err
	}
	data, err := s.obs.GetBytes(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from %s: %w", name, s.bucket, err)
	}
	return data, nil
}
