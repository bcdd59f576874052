package bridge

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"pluginhost/pkg/database"
	"pluginhost/pkg/models"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// GormStore persists records in the plugin_records table (postgres or sqlite).
type GormStore struct {
	repo database.Repository[models.PluginRecord]
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{repo: database.NewGormRepository[models.PluginRecord](db)}
}

func (s *GormStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	rec, err := s.repo.First(ctx, "namespace = ? AND record_key = ?", namespace, key)
	if errors.Is(err, database.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Value, true, nil
}

func (s *GormStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	rec := &models.PluginRecord{Namespace: namespace, RecordKey: key, Value: value}
	return s.repo.Upsert(ctx, rec, []string{"namespace", "record_key"}, []string{"value", "updated_at"})
}

func (s *GormStore) Delete(ctx context.Context, namespace, key string) (bool, error) {
	n, err := s.repo.DeleteWhere(ctx, "namespace = ? AND record_key = ?", namespace, key)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *GormStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	recs, err := s.repo.Find(ctx, "record_key", `namespace = ? AND record_key LIKE ? ESCAPE '\'`, namespace, likeEscaper.Replace(prefix)+"%")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(recs))
	for _, r := range recs {
		keys = append(keys, r.RecordKey)
	}
	return keys, nil
}
