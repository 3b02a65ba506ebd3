package store

import (
	"fmt"

	"mediserve/internal/model"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 连接 SQLite 并自动建表。
//
// SQLite 只允许单写者，连接池固定为 1：事务在池上排队，而不是返回 SQLITE_BUSY。
// 事务内的代码必须使用 tx，不能访问根 DB。
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&model.User{},
		&model.Medicine{},
		&model.Batch{},
		&model.Order{},
		&model.OrderItem{},
		&model.Dispensation{},
	); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return db, nil
}

// MemoryDSN 独立的内存数据库，用于测试和试运行。
func MemoryDSN() string {
	return fmt.Sprintf("file:mediserve-%s?mode=memory&cache=shared", uuid.NewString())
}
