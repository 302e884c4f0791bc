package storage

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Driver selects the query store backend
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverDynamo   Driver = "dynamodb"
	DriverMongo    Driver = "mongo"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
)

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Mode         DynamoMode
	Endpoint     string // for local mode
	Region       string
	QueriesTable string
}

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// Config selects and configures the query store
type Config struct {
	Driver Driver
	DSN    string // sqlite path or postgres dsn
	Dynamo DynamoConfig
	Mongo  MongoConfig
}

// LoadConfig loads store config from environment
func LoadConfig() Config {
	mode := DynamoMode(getEnv("DYNAMO_MODE", "local"))
	if mode != DynamoModeAWS {
		mode = DynamoModeLocal
	}

	return Config{
		Driver: Driver(strings.ToLower(getEnv("STORE_DRIVER", string(DriverMemory)))),
		DSN:    getEnv("STORE_DSN", "casedesk.db"),
		Dynamo: DynamoConfig{
			Mode:         mode,
			Endpoint:     getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
			Region:       getEnv("DYNAMO_REGION", "eu-central-1"),
			QueriesTable: getEnv("DYNAMO_QUERIES_TABLE", "casedesk-queries"),
		},
		Mongo: MongoConfig{
			URI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database:   getEnv("MONGO_DB", "casedesk"),
			Collection: getEnv("MONGO_COLLECTION", "queries"),
		},
	}
}

// Open creates the store selected by cfg.Driver
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "storage").Str("driver", string(cfg.Driver)).Logger()

	switch cfg.Driver {
	case DriverMemory, "":
		logger.Info().Msg("using in-memory query store")
		return NewMemoryStore(), nil
	case DriverDynamo:
		return NewDynamoDBStore(ctx, cfg.Dynamo, logger)
	case DriverMongo:
		return NewMongoStore(ctx, cfg.Mongo, logger)
	case DriverSQLite, DriverPostgres:
		return NewGormStore(string(cfg.Driver), cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.Driver)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
