// Package store is a small document-style adapter over gorm: typed CRUD with
// composable filters and sort keys, plus conditional writes for optimistic
// concurrency.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// ErrInvalidField is returned for column names outside the safe identifier set
var ErrInvalidField = errors.New("invalid field name")

var fieldPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Op is a comparison operator
type Op string

const (
	Eq  Op = "eq"
	Ne  Op = "ne"
	Lt  Op = "lt"
	Lte Op = "lte"
	Gt  Op = "gt"
	Gte Op = "gte"
	In  Op = "in"
)

// Cond is a single field comparison
type Cond struct {
	Field string
	Op    Op
	Value interface{}
}

// Where builds an equality condition
func Where(field string, value interface{}) Cond {
	return Cond{Field: field, Op: Eq, Value: value}
}

// Sort orders results by a field
type Sort struct {
	Field string
	Desc  bool
}

// Query selects records: every Cond must hold, and at least one of Any when set
type Query struct {
	Conds  []Cond
	Any    []Cond
	Sort   []Sort
	Limit  int
	Offset int
}

func (c Cond) expression() (clause.Expression, error) {
	if !fieldPattern.MatchString(c.Field) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidField, c.Field)
	}
	col := clause.Column{Name: c.Field}
	switch c.Op {
	case Eq, "":
		return clause.Eq{Column: col, Value: c.Value}, nil
	case Ne:
		return clause.Neq{Column: col, Value: c.Value}, nil
	case Lt:
		return clause.Lt{Column: col, Value: c.Value}, nil
	case Lte:
		return clause.Lte{Column: col, Value: c.Value}, nil
	case Gt:
		return clause.Gt{Column: col, Value: c.Value}, nil
	case Gte:
		return clause.Gte{Column: col, Value: c.Value}, nil
	case In:
		values, ok := c.Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("operator in on %s needs []interface{}", c.Field)
		}
		return clause.IN{Column: col, Values: values}, nil
	default:
		return nil, fmt.Errorf("unsupported operator %q", c.Op)
	}
}

func expressions(conds []Cond) ([]clause.Expression, error) {
	exprs := make([]clause.Expression, 0, len(conds))
	for _, c := range conds {
		e, err := c.expression()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

func apply(db *gorm.DB, q Query) (*gorm.DB, error) {
	and, err := expressions(q.Conds)
	if err != nil {
		return nil, err
	}
	if len(and) > 0 {
		db = db.Clauses(clause.Where{Exprs: and})
	}

	if len(q.Any) > 0 {
		or, err := expressions(q.Any)
		if err != nil {
			return nil, err
		}
		db = db.Clauses(clause.Where{Exprs: []clause.Expression{clause.Or(or...)}})
	}

	for _, s := range q.Sort {
		if !fieldPattern.MatchString(s.Field) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidField, s.Field)
		}
		db = db.Order(clause.OrderByColumn{Column: clause.Column{Name: s.Field}, Desc: s.Desc})
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	if q.Offset > 0 {
		db = db.Offset(q.Offset)
	}
	return db, nil
}

// Store provides typed access to one table
type Store[T any] struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a store for T
func New[T any](db *gorm.DB, logger *zap.Logger) *Store[T] {
	return &Store[T]{db: db, logger: logger}
}

// WithTx returns a store bound to an open transaction
func (s *Store[T]) WithTx(tx *gorm.DB) *Store[T] {
	return &Store[T]{db: tx, logger: s.logger}
}

// DB exposes the underlying handle
func (s *Store[T]) DB() *gorm.DB {
	return s.db
}

// Create inserts a record
func (s *Store[T]) Create(ctx context.Context, record *T) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.logger.Error("Failed to create record", zap.Error(err))
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

// Get loads a record by primary key
func (s *Store[T]) Get(ctx context.Context, id interface{}) (*T, error) {
	var record T
	err := s.db.WithContext(ctx).Clauses(clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.PrimaryColumn, Value: id},
	}}).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &record, nil
}

// FindOne returns the first record matching q
func (s *Store[T]) FindOne(ctx context.Context, q Query) (*T, error) {
	q.Limit = 1
	records, err := s.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

// Find returns all records matching q
func (s *Store[T]) Find(ctx context.Context, q Query) ([]*T, error) {
	db, err := apply(s.db.WithContext(ctx).Model(new(T)), q)
	if err != nil {
		return nil, err
	}
	var records []*T
	if err := db.Find(&records).Error; err != nil {
		s.logger.Error("Failed to query records", zap.Error(err))
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return records, nil
}

// Distinct returns the distinct values of a string field among the records
// matching q
func (s *Store[T]) Distinct(ctx context.Context, field string, q Query) ([]string, error) {
	if !fieldPattern.MatchString(field) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	db, err := apply(s.db.WithContext(ctx).Model(new(T)), q)
	if err != nil {
		return nil, err
	}
	var values []string
	if err := db.Distinct(field).Pluck(field, &values).Error; err != nil {
		return nil, fmt.Errorf("failed to list distinct %s: %w", field, err)
	}
	return values, nil
}

// Count returns the number of records matching q, ignoring sort and paging
func (s *Store[T]) Count(ctx context.Context, q Query) (int64, error) {
	db, err := apply(s.db.WithContext(ctx).Model(new(T)), Query{Conds: q.Conds, Any: q.Any})
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Update sets fields on the record with the given primary key
func (s *Store[T]) Update(ctx context.Context, id interface{}, fields map[string]interface{}) error {
	n, err := s.UpdateWhere(ctx, []Cond{{Field: "id", Op: Eq, Value: id}}, fields)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWhere sets fields on every record matching conds and reports how many
// rows changed. Callers use it as a compare-and-set by including the expected
// version in conds.
func (s *Store[T]) UpdateWhere(ctx context.Context, conds []Cond, fields map[string]interface{}) (int64, error) {
	if len(conds) == 0 {
		return 0, fmt.Errorf("refusing unconditional update")
	}
	exprs, err := expressions(conds)
	if err != nil {
		return 0, err
	}
	result := s.db.WithContext(ctx).Model(new(T)).Clauses(clause.Where{Exprs: exprs}).Updates(fields)
	if result.Error != nil {
		s.logger.Error("Failed to update records", zap.Error(result.Error))
		return 0, fmt.Errorf("failed to update records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Delete removes the record with the given primary key
func (s *Store[T]) Delete(ctx context.Context, id interface{}) error {
	result := s.db.WithContext(ctx).Clauses(clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.PrimaryColumn, Value: id},
	}}).Delete(new(T))
	if result.Error != nil {
		return fmt.Errorf("failed to delete record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Transaction runs fn in a database transaction, rolling back on error or panic
func Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}
