// Package registry holds the static catalog of known plugins. It is loaded
// once at startup and never mutated afterwards.
package registry

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"pluginhost/pkg/models"
)

var pluginIDPattern = regexp.MustCompile(`^hc-[a-z0-9]+(-[a-z0-9]+)*-plugin$`)

// ValidID reports whether id follows the hc-{name}-plugin naming rule.
func ValidID(id string) bool {
	return pluginIDPattern.MatchString(id)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("plugin_id", func(fl validator.FieldLevel) bool {
		return ValidID(fl.Field().String())
	})
	return v
}

// Registry is safe for concurrent reads without locking.
type Registry struct {
	descriptors []models.PluginDescriptor
	byID        map[string]int
	rejected    []*models.ConfigError
}

// New validates descriptors in order. Invalid entries are skipped and kept in
// Rejected; a duplicate identifier fails the whole registry.
func New(descriptors []models.PluginDescriptor) (*Registry, error) {
	validate := newValidator()
	r := &Registry{byID: make(map[string]int, len(descriptors))}

	seen := make(map[string]int, len(descriptors))
	for i, d := range descriptors {
		if first, dup := seen[d.ID]; dup && d.ID != "" {
			return nil, &models.ConfigError{
				PluginID: d.ID,
				Index:    i,
				Err:      fmt.Errorf("%w: first defined at entry %d", models.ErrDuplicateID, first),
			}
		}
		seen[d.ID] = i

		if err := validate.Struct(d); err != nil {
			cfgErr := &models.ConfigError{PluginID: d.ID, Index: i, Err: err}
			r.rejected = append(r.rejected, cfgErr)
			slog.Error("Skipping invalid registry entry", "component", "Registry", "index", i, "plugin_id", d.ID, "error", err)
			continue
		}

		r.byID[d.ID] = len(r.descriptors)
		r.descriptors = append(r.descriptors, d.Clone())
	}

	slog.Info("Plugin registry loaded", "component", "Registry", "plugins", len(r.descriptors), "rejected", len(r.rejected))
	return r, nil
}

type file struct {
	Plugins []models.PluginDescriptor `mapstructure:"plugins"`
}

// Load reads the registry file (YAML, JSON or TOML, by extension).
func Load(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, &models.ConfigError{Index: -1, Err: fmt.Errorf("read registry %s: %w", path, err)}
	}

	var f file
	if err := v.Unmarshal(&f); err != nil {
		return nil, &models.ConfigError{Index: -1, Err: fmt.Errorf("decode registry %s: %w", path, err)}
	}
	return New(f.Plugins)
}

// AllDescriptors returns the accepted entries in file order. The slice and
// its descriptors are copies.
func (r *Registry) AllDescriptors() []models.PluginDescriptor {
	out := make([]models.PluginDescriptor, len(r.descriptors))
	for i, d := range r.descriptors {
		out[i] = d.Clone()
	}
	return out
}

// FindByID returns a copy of the descriptor or models.ErrNotFound.
func (r *Registry) FindByID(id string) (models.PluginDescriptor, error) {
	i, ok := r.byID[id]
	if !ok {
		return models.PluginDescriptor{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return r.descriptors[i].Clone(), nil
}

// Len returns the number of accepted entries.
func (r *Registry) Len() int { return len(r.descriptors) }

// Rejected lists the entries skipped during validation.
func (r *Registry) Rejected() []*models.ConfigError { return r.rejected }
