package database

import (
	"context"
	"fmt"
	"time"

	"donation-api/internal/config"
	"donation-api/internal/models"
	"donation-api/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// OpenDatabase connects to PostgreSQL, or to SQLite when DATABASE_URL is not set
func OpenDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(gormLogLevel(cfg.Mode)),
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}

	var db *gorm.DB
	var err error
	if dsn := cfg.DatabaseURL; dsn == "" {
		// Fallback to SQLite for development
		logging.Infof("Database URL not set, using SQLite at %s", cfg.SQLitePath)
		db, err = gorm.Open(sqlite.Open(cfg.SQLitePath), gormConfig)
		if err == nil {
			// SQLite serializes writers; one connection avoids "database is locked"
			if sqlDB, derr := db.DB(); derr == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
	} else {
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := insertDefaultData(db, cfg); err != nil {
		return nil, fmt.Errorf("failed to insert default data: %w", err)
	}

	logging.Infof("Database connected successfully")
	return db, nil
}

func gormLogLevel(mode string) logger.LogLevel {
	if mode == "release" {
		return logger.Warn
	}
	return logger.Info
}

// OpenRedis connects to Redis. An empty URL returns a nil client and no error.
func OpenRedis(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		logging.Infof("REDIS_URL not set, leaderboard cache and distributed flow locks disabled")
		return nil, nil
	}

	logging.Infof("Connecting to Redis: %s", maskRedisURL(redisURL))

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		logging.Errorf("Failed to parse Redis URL: %v", err)
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		logging.Errorf("Failed to connect to Redis: %v", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Infof("Redis connected successfully")
	return client, nil
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}

// AutoMigrate creates or updates the tables owned by this service
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.AppClient{},
		&models.Donation{},
		&models.User{},
		&models.PendingFinalization{},
	)
}

// insertDefaultData seeds the default app client
func insertDefaultData(db *gorm.DB, cfg *config.Config) error {
	if cfg.DefaultClientID == "" || cfg.DefaultClientAPIKey == "" {
		return nil
	}

	defaultClient := models.AppClient{
		ClientID:    cfg.DefaultClientID,
		Name:        "Burn a Buck app",
		APIKey:      cfg.DefaultClientAPIKey,
		PackageName: cfg.GooglePlayPackageName,
		IsActive:    true,
		Description: "Default client for development",
	}

	// Use FirstOrCreate to avoid duplicates
	result := db.Where("client_id = ?", cfg.DefaultClientID).FirstOrCreate(&defaultClient)
	if result.Error != nil {
		return fmt.Errorf("failed to create default client: %w", result.Error)
	}
	return nil
}

// Close closes database connections
func Close(db *gorm.DB, rdb *redis.Client) {
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				logging.Errorf("Failed to close database: %v", err)
			}
		}
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logging.Errorf("Failed to close Redis: %v", err)
		}
	}
}
