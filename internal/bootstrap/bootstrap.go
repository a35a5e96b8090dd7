// Package bootstrap wires the shared runtime dependencies (logger, Mongo,
// Redis) used by both the API server and worker entrypoints.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/relaywh/webhookd/internal/config"
	"github.com/relaywh/webhookd/internal/logging"
)

// Runtime holds every connected dependency the two entrypoints share.
type Runtime struct {
	Config      *config.Config
	Logger      *zap.Logger
	MongoClient *mongo.Client
	MongoDB     *mongo.Database
	RedisClient *redis.Client
}

// Connect loads configuration and establishes Mongo and Redis connections.
func Connect(ctx context.Context) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: failed to load config: %w", err)
	}

	log, err := logging.New(logging.WithDebug(cfg.Debug))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: failed to build logger: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mongoClient, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: failed to connect to mongo: %w", err)
	}
	if err := mongoClient.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("bootstrap: mongo ping failed: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	if err := redisClient.Ping(connectCtx).Err(); err != nil {
		return nil, fmt.Errorf("bootstrap: redis ping failed: %w", err)
	}

	return &Runtime{
		Config:      cfg,
		Logger:      log.Logger,
		MongoClient: mongoClient,
		MongoDB:     mongoClient.Database(cfg.MongoDBName),
		RedisClient: redisClient,
	}, nil
}

// Close releases all connections.
func (r *Runtime) Close(ctx context.Context) {
	if err := r.RedisClient.Close(); err != nil {
		r.Logger.Warn("bootstrap: error closing redis client", zap.Error(err))
	}
	if err := r.MongoClient.Disconnect(ctx); err != nil {
		r.Logger.Warn("bootstrap: error closing mongo client", zap.Error(err))
	}
	r.Logger.Sync() //nolint:errcheck
}
