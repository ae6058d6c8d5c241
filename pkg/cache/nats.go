package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
)

// NATSRemote stores entries in a JetStream key-value bucket so that every
// worker process of a run shares them
type NATSRemote struct {
	conn   *nats.Conn
	kv     nats.KeyValue
	owned  bool
	logger *zap.Logger
}

// NATSConfig configures a NATSRemote
type NATSConfig struct {
	URL    string
	Bucket string
	TTL    time.Duration
}

// DialNATS connects to NATS and binds the bucket, creating it if needed.
// The connection is closed with the remote.
func DialNATS(ctx context.Context, cfg NATSConfig, logger *zap.Logger) (*NATSRemote, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	connCfg := natsconn.DefaultConnectionConfig(cfg.URL)
	connCfg.Name = "daedalus-cache"
	connCfg.Logger = logger

	conn, err := natsconn.Connect(ctx, connCfg)
	if err != nil {
		return nil, err
	}

	remote, err := NewNATSRemote(conn, cfg.Bucket, cfg.TTL, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	remote.owned = true
	return remote, nil
}

// NewNATSRemote binds the bucket on an existing connection
func NewNATSRemote(conn *nats.Conn, bucket string, ttl time.Duration, logger *zap.Logger) (*NATSRemote, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kv, err := natsconn.EnsureKeyValue(conn, natsconn.KeyValueConfig{
		Bucket:      bucket,
		Description: "daedalus shared cache",
		TTL:         ttl,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Bound NATS cache bucket", zap.String("bucket", bucket), zap.Duration("ttl", ttl))
	return &NATSRemote{conn: conn, kv: kv, logger: logger}, nil
}

func (r *NATSRemote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	e, err := r.kv.Get(hashKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("nats kv get: %w", err)
	}
	return e.Value(), true, nil
}

func (r *NATSRemote) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := r.kv.Put(hashKey(key), value); err != nil {
		return fmt.Errorf("nats kv put: %w", err)
	}
	return nil
}

func (r *NATSRemote) Delete(ctx context.Context, key string) (bool, error) {
	_, found, err := r.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := r.kv.Delete(hashKey(key)); err != nil {
		return false, fmt.Errorf("nats kv delete: %w", err)
	}
	return true, nil
}

// Clear deletes every key in the bucket
func (r *NATSRemote) Clear(ctx context.Context) error {
	keys, err := r.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("nats kv keys: %w", err)
	}

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.kv.Delete(k); err != nil {
			return fmt.Errorf("nats kv delete %s: %w", k, err)
		}
	}
	return nil
}

// Close drains the connection when the remote dialled it
func (r *NATSRemote) Close() error {
	if !r.owned {
		return nil
	}
	return natsconn.Close(r.conn)
}
