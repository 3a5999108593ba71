package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"postmesh/internal/config"
	"postmesh/internal/constants"
	"postmesh/internal/logger"
	"postmesh/pkg/migrations"
)

const (
	postgresMaxOpenConns = 20
	postgresMaxIdleConns = 5
	postgresConnMaxIdle  = 5 * time.Minute
)

// DatabaseConnector opens the stores a service needs and remembers them, so
// Close releases exactly what was opened.
type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger

	postgres *sql.DB
	redis    *redis.Client
	mongo    *mongo.Client
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{Config: cfg, Logger: log}
}

// PostgresDSN renders the postgres:// URL used by both lib/pq and the
// migrator.
func PostgresDSN(pg config.PostgresConfig) string {
	sslMode := pg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(pg.User, pg.Password),
		Host:     net.JoinHostPort(pg.Host, strconv.Itoa(pg.Port)),
		Path:     pg.DBName,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

// InitPostgreSQL applies the embedded migrations when enabled, then opens
// the pool that backs the post store and the outbox.
func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	pg := dc.Config.Database.Postgres
	if pg.Host == "" {
		return nil, fmt.Errorf("postgres host is not configured")
	}
	dsn := PostgresDSN(pg)

	if dc.Config.Database.RunMigrations {
		if err := migrations.RunPostgres(dsn); err != nil {
			return nil, err
		}
		dc.Logger.Info("PostgreSQL migrations applied")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(postgresMaxOpenConns)
	db.SetMaxIdleConns(postgresMaxIdleConns)
	db.SetConnMaxIdleTime(postgresConnMaxIdle)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dc.postgres = db
	dc.Logger.Infow("PostgreSQL connected", "host", pg.Host, "database", pg.DBName)
	return db, nil
}

func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	rc := dc.Config.Database.Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(rc.Host, strconv.Itoa(rc.Port)),
		Password: rc.Password,
		DB:       rc.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.redis = rdb
	dc.Logger.Infow("Redis connected", "addr", rdb.Options().Addr, "db", rc.DB)
	return rdb, nil
}

// InitMongoDB connects the client and returns the configured database.
func (dc *DatabaseConnector) InitMongoDB(ctx context.Context, serviceName string) (*mongo.Client, *mongo.Database, error) {
	mc := dc.Config.Database.MongoDB
	if mc.URI == "" {
		return nil, nil, fmt.Errorf("mongodb uri is not configured")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mc.URI).SetAppName(serviceName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	name := mc.Database
	if name == "" {
		name = constants.DefaultMongoDBName
	}

	dc.mongo = client
	dc.Logger.Infow("MongoDB connected", "database", name)
	return client, client.Database(name), nil
}

// Close releases every store opened through dc.
func (dc *DatabaseConnector) Close(ctx context.Context) []error {
	var errs []error

	if dc.redis != nil {
		if err := dc.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if dc.postgres != nil {
		if err := dc.postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}
	if dc.mongo != nil {
		if err := dc.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}

	return errs
}
