package assistant

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
)

// Override is a persisted enable/disable decision for one skill.
type Override struct {
	Enabled   bool      `json:"enabled"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// overrides keeps enable/disable decisions in a small JSON document so that
// they apply to every process that loads the registry.
type overrides struct {
	path string
	mu   sync.RWMutex
}

func newOverrides(path string) (*overrides, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create overrides directory")
	}
	return &overrides{path: path}, nil
}

func (o *overrides) load() (map[string]Override, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	raw, err := lockedfile.Read(o.path)
	if os.IsNotExist(err) {
		return map[string]Override{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read skill overrides")
	}
	out := map[string]Override{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal skill overrides")
	}
	return out, nil
}

func (o *overrides) set(ctx context.Context, name string, ov Override) error {
	return o.update(ctx, func(all map[string]Override) { all[name] = ov })
}

func (o *overrides) clear(ctx context.Context, name string) error {
	return o.update(ctx, func(all map[string]Override) { delete(all, name) })
}

func (o *overrides) update(ctx context.Context, fn func(map[string]Override)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return lockedfile.Transform(o.path, func(raw []byte) ([]byte, error) {
		all := map[string]Override{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &all); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to unmarshal skill overrides, starting fresh")
				all = map[string]Override{}
			}
		}
		fn(all)
		out, err := json.MarshalIndent(all, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal skill overrides")
		}
		return out, nil
	})
}
