package database

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRecordNotFound is returned by First when nothing matches.
var ErrRecordNotFound = gorm.ErrRecordNotFound

// Repository defines the conditional operations the stores need
type Repository[T any] interface {
	Find(ctx context.Context, order string, query string, args ...any) ([]*T, error)
	First(ctx context.Context, query string, args ...any) (*T, error)
	Upsert(ctx context.Context, entity *T, conflict []string, update []string) error
	DeleteWhere(ctx context.Context, query string, args ...any) (int64, error)
}

// GormRepository implements Repository using Gorm
type GormRepository[T any] struct {
	db *gorm.DB
}

func NewGormRepository[T any](db *gorm.DB) *GormRepository[T] {
	return &GormRepository[T]{db: db}
}

// DB returns the underlying database connection for specialized queries
func (repository *GormRepository[T]) DB() *gorm.DB {
	return repository.db
}

func (repository *GormRepository[T]) Find(ctx context.Context, order string, query string, args ...any) ([]*T, error) {
	var entities []*T
	tx := repository.db.WithContext(ctx).Where(query, args...)
	if order != "" {
		tx = tx.Order(order)
	}
	result := tx.Find(&entities)
	return entities, result.Error
}

func (repository *GormRepository[T]) First(ctx context.Context, query string, args ...any) (*T, error) {
	var entity T
	result := repository.db.WithContext(ctx).Where(query, args...).First(&entity)
	if result.Error != nil {
		return nil, result.Error
	}
	return &entity, nil
}

// Upsert inserts the entity, or updates the given columns when the conflict
// columns already exist.
func (repository *GormRepository[T]) Upsert(ctx context.Context, entity *T, conflict []string, update []string) error {
	columns := make([]clause.Column, len(conflict))
	for i, name := range conflict {
		columns[i] = clause.Column{Name: name}
	}
	result := repository.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   columns,
		DoUpdates: clause.AssignmentColumns(update),
	}).Create(entity)
	return result.Error
}

func (repository *GormRepository[T]) DeleteWhere(ctx context.Context, query string, args ...any) (int64, error) {
	if query == "" {
		return 0, errors.New("refusing unconditional delete")
	}
	var entity T
	result := repository.db.WithContext(ctx).Where(query, args...).Delete(&entity)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
