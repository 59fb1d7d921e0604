package manager

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vyrti/redpill/internal/audit"
	"github.com/vyrti/redpill/internal/catalogue"
	"github.com/vyrti/redpill/internal/session"
	"github.com/vyrti/redpill/internal/terminal"
)

// ConnectResult is the outcome of opening one session during a mass connect.
type ConnectResult struct {
	SessionID string         `json:"session_id"`
	Name      string         `json:"name"`
	Handle    session.Handle `json:"handle,omitempty"`
	Err       error          `json:"-"`
}

// Succeeded reports whether the session produced a tab.
func (r ConnectResult) Succeeded() bool { return r.Err == nil }

// MassConnect opens every session directly in groupID. Membership is read
// once, before any connect starts; sessions added to the group afterwards
// are not opened. The result holds exactly one entry per member in
// membership order, and a failure never cancels its siblings. With the
// default limit of 0 every member dials at once, so a slow or unreachable
// host never delays the others; a positive MassConnectLimit gives that up
// in exchange for bounded concurrency.
func (m *Manager) MassConnect(ctx context.Context, groupID string) ([]ConnectResult, error) {
	if m.cat == nil {
		return nil, fmt.Errorf("%w: %s", catalogue.ErrGroupNotFound, groupID)
	}
	members, err := m.cat.SessionsInGroup(groupID)
	if err != nil {
		return nil, err
	}
	return m.connectAll(ctx, groupID, members, false), nil
}

// MassConnectRecursive is MassConnect over groupID and all its descendants.
func (m *Manager) MassConnectRecursive(ctx context.Context, groupID string) ([]ConnectResult, error) {
	if m.cat == nil {
		return nil, fmt.Errorf("%w: %s", catalogue.ErrGroupNotFound, groupID)
	}
	members, err := m.cat.SessionsInGroupRecursive(groupID)
	if err != nil {
		return nil, err
	}
	return m.connectAll(ctx, groupID, members, true), nil
}

func (m *Manager) connectAll(ctx context.Context, groupID string, members []catalogue.Session, recursive bool) []ConnectResult {
	results := make([]ConnectResult, len(members))

	var g errgroup.Group
	if m.limit > 0 {
		g.SetLimit(m.limit)
	}
	for i, s := range members {
		results[i] = ConnectResult{SessionID: s.ID, Name: s.Name}
		g.Go(func() error {
			h, err := m.open(ctx, s)
			results[i].Handle = h
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	kinds := map[string]int{}
	for _, r := range results {
		if r.Err != nil {
			failed++
			kinds[terminal.KindOf(r.Err).String()]++
		}
	}

	status := audit.StatusSuccess
	if failed > 0 {
		status = audit.StatusFailed
	}
	name := groupID
	if grp, err := m.cat.Group(groupID); err == nil {
		name = grp.Name
	}
	m.audit.Write(audit.Entry{
		Action:       "group.connect",
		ResourceType: "group",
		ResourceID:   groupID,
		ResourceName: name,
		Status:       status,
		Detail: map[string]any{
			"total":     len(results),
			"opened":    len(results) - failed,
			"failed":    failed,
			"kinds":     kinds,
			"recursive": recursive,
		},
	})
	log.Info().
		Str("group", groupID).
		Int("total", len(results)).
		Int("failed", failed).
		Bool("recursive", recursive).
		Msg("mass connect finished")
	return results
}
