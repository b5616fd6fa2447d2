package storage

import (
	"context"
	"errors"
	"fmt"

	"dca-trader/internal/model"
	"dca-trader/internal/service"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open 按配置打开数据库并迁移周期表结构
func Open(cfg service.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := buildDialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&model.Cycle{}, &model.CycleOrder{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

func buildDialector(cfg service.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Type {
	case "sqlite", "":
		return sqlite.Open(cfg.DSN), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %q", cfg.Type)
	}
}

// CycleStore 基于 gorm 的周期持久化实现
type CycleStore struct {
	db *gorm.DB
}

func NewCycleStore(db *gorm.DB) *CycleStore {
	return &CycleStore{db: db}
}

func (s *CycleStore) CreateCycle(ctx context.Context, cycle *model.Cycle) error {
	return s.db.WithContext(ctx).Create(cycle).Error
}

func (s *CycleStore) UpdateCycle(ctx context.Context, cycle *model.Cycle) error {
	return s.db.WithContext(ctx).Save(cycle).Error
}

func (s *CycleStore) CreateOrder(ctx context.Context, order *model.CycleOrder) error {
	return s.db.WithContext(ctx).Create(order).Error
}

func (s *CycleStore) UpdateOrder(ctx context.Context, order *model.CycleOrder) error {
	return s.db.WithContext(ctx).Save(order).Error
}

// ActiveCycle 返回 Bot 当前未结束的周期，没有则返回 (nil, nil)
func (s *CycleStore) ActiveCycle(ctx context.Context, botID string) (*model.Cycle, error) {
	var cycle model.Cycle
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND status NOT IN ?", botID,
			[]model.CycleStatus{model.CycleCompleted, model.CycleCancelled, model.CycleError}).
		Order("cycle_number DESC").
		First(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// LastCycleNumber 返回 Bot 最大的周期号，没有历史时返回 0
func (s *CycleStore) LastCycleNumber(ctx context.Context, botID string) (int, error) {
	var last int
	err := s.db.WithContext(ctx).Model(&model.Cycle{}).
		Where("bot_id = ?", botID).
		Select("COALESCE(MAX(cycle_number), 0)").
		Scan(&last).Error
	return last, err
}

// CyclesByBot 返回 Bot 的历史周期，按周期号倒序
func (s *CycleStore) CyclesByBot(ctx context.Context, botID string, limit int) ([]model.Cycle, error) {
	var cycles []model.Cycle
	q := s.db.WithContext(ctx).Where("bot_id = ?", botID).Order("cycle_number DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return cycles, q.Find(&cycles).Error
}

// OrdersByCycle 返回一个周期内的全部订单
func (s *CycleStore) OrdersByCycle(ctx context.Context, cycleID uint) ([]model.CycleOrder, error) {
	var orders []model.CycleOrder
	return orders, s.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Order("id").Find(&orders).Error
}
