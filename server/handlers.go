package server

import (
	"time"

	"github.com/mognev/recipebot/config"
	"github.com/mognev/recipebot/store"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	st        store.Store
	cfg       *config.Config
	startedAt time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(st store.Store, cfg *config.Config) *Handlers {
	return &Handlers{
		st:        st,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}
