package runtime

import (
	"sync"

	"github.com/sniffler/sniffler-core/internal/model"
)

// settingsHolder is the process-wide Settings value, mutated only
// through Update, which takes the global lock.
type settingsHolder struct {
	mu sync.RWMutex
	s  model.Settings
}

func newSettingsHolder(initial model.Settings) *settingsHolder {
	return &settingsHolder{s: initial}
}

func (h *settingsHolder) Get() model.Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s
}

func (h *settingsHolder) Update(fn func(*model.Settings)) model.Settings {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.s)
	return h.s
}
