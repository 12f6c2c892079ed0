package main

import (
	"context"
	"time"

	"github.com/matst80/wsrelay/internal/listener"
	"github.com/matst80/wsrelay/internal/state"
)

// Stats is the /api/state payload.
type Stats struct {
	Connected bool                    `json:"connected"`
	Pending   int                     `json:"pending"`
	Active    *state.Session          `json:"active,omitempty"`
	Counters  map[state.Counter]int64 `json:"counters"`
	Now       string                  `json:"now"`
}

func collectStats(ctx context.Context, store state.Store, srv *listener.Server) (Stats, error) {
	st, err := store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Connected: srv.Registry().Active() != nil,
		Pending:   srv.Pending(),
		Active:    st.Active,
		Counters:  st.Counters,
		Now:       time.Now().UTC().Format(time.RFC3339),
	}, nil
}
