package api

import (
	"go.uber.org/zap"

	"github.com/adfharrison1/jsondb/pkg/domain"
	"github.com/adfharrison1/jsondb/pkg/engine"
)

// Database is the query surface the HTTP API serves.
type Database interface {
	Count(coll string) (int64, error)
	CountFilter(coll string, f domain.Filter) (int64, error)
	Insert(coll string, docs []domain.Fields) ([]string, error)
	All(coll string, projection []string) ([]domain.Document, error)
	Filter(coll string, f domain.Filter, opts engine.FindOptions) ([]domain.Document, error)
	FilterOne(coll string, f domain.Filter, opts engine.FindOptions) (domain.Document, bool, error)
	Update(coll string, f domain.Filter, data domain.Fields) (int, error)
	UpdateOne(coll string, f domain.Filter, data domain.Fields) (int, error)
	Delete(coll string, f domain.Filter) (int, error)
	DeleteOne(coll string, f domain.Filter) (int, error)
	CreateIndex(coll, field string) error
}

var _ Database = (*engine.Engine)(nil)

// Handler provides HTTP handlers for the database API
type Handler struct {
	db  Database
	log *zap.SugaredLogger
}

// NewHandler creates a new API handler. A nil logger discards logs.
func NewHandler(db Database, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{db: db, log: logger}
}
