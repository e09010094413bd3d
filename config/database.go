package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB

// InitDatabase establishes a connection to MySQL using configuration values
// and performs automatic migrations for the given models.
func InitDatabase(modelDefs ...interface{}) *gorm.DB {
	if db != nil {
		return db
	}

	cfg := Get()
	var dsn string
	if cfg.DatabaseURI != "" {
		dsn = cfg.DatabaseURI
	} else {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBName,
		)
	}

	gLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  toGormLogLevel(cfg.LogLevel),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var err error
	db, err = gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gLogger})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to get sql.DB: %v", err)
	}

	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	// Ping with bounded retry so transient startup races (db container still
	// warming up) don't kill the process, but real misconfiguration does.
	var pingErr error
	for attempt := 0; attempt < 5; attempt++ {
		if pingErr = sqlDB.Ping(); pingErr == nil {
			break
		}
		log.Printf("database ping failed (attempt %d/5): %v", attempt+1, pingErr)
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	if pingErr != nil {
		log.Fatalf("database unreachable: %v", pingErr)
	}

	for _, model := range modelDefs {
		if err := db.AutoMigrate(model); err != nil {
			log.Fatalf("auto migration failed for %T: %v", model, err)
		}
	}

	return db
}

// toGormLogLevel maps application LogLevel to GORM's logger level.
func toGormLogLevel(level string) logger.LogLevel {
	switch level {
	case "debug":
		// GORM 'Info' shows SQL; use with caution
		return logger.Info
	case "warn", "info", "":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		return logger.Warn
	}
}

// DB provides access to the initialized gorm DB instance.
func DB() *gorm.DB {
	if db == nil {
		log.Fatal("database not initialized, call InitDatabase first")
	}
	return db
}
