package config

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB 全局数据库连接，由 InitDB 设置
var DB *gorm.DB

// Dialector 根据 driver 选择 gorm 方言
func Dialector(c DatabaseConfig) (gorm.Dialector, error) {
	switch c.Driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=UTC",
			c.Username, c.Password, c.Host, c.Port, c.DBName, c.Charset)
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode)
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(c.Path), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// OpenDB 打开数据库并设置连接池。TranslateError 打开后唯一键冲突统一为 gorm.ErrDuplicatedKey。
func OpenDB(c DatabaseConfig, l logger.Interface) (*gorm.DB, error) {
	dialector, err := Dialector(c)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default.LogMode(logger.Warn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         l,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get SQL DB: %w", err)
	}
	if c.Driver == "sqlite" {
		// sqlite 只允许一个写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(c.MaxIdleConns)
		sqlDB.SetMaxOpenConns(c.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db, nil
}

// InitDB 初始化全局连接
func InitDB(c *Config, l logger.Interface) error {
	db, err := OpenDB(c.Database, l)
	if err != nil {
		return err
	}
	DB = db
	log.Printf("Database connection established (%s)", c.Database.Driver)
	return nil
}
