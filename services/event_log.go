package services

import (
	"context"
	"fmt"
	"sort"

	"dosematic/models"

	"go.uber.org/zap"
)

// EventLogService reads the detection log and groups it for display
type EventLogService struct {
	store  EventStore
	logger *zap.Logger
}

func NewEventLogService(store EventStore, logger *zap.Logger) *EventLogService {
	return &EventLogService{
		store:  store,
		logger: logger,
	}
}

// Sessions returns the log grouped by session, newest session first
func (s *EventLogService) Sessions(ctx context.Context) ([]models.SessionGroup, error) {
	events, err := s.store.ListEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return GroupEventsBySession(events), nil
}

// DeleteSession removes every entry of a session
func (s *EventLogService) DeleteSession(ctx context.Context, sessionID int) error {
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %d: %w", sessionID, err)
	}
	s.logger.Info("Session deleted", zap.Int("session", sessionID))
	return nil
}

// GroupEventsBySession keeps the backend's order within a session and sorts
// sessions in descending order
func GroupEventsBySession(events []models.EventLog) []models.SessionGroup {
	index := make(map[int]int)
	groups := make([]models.SessionGroup, 0)

	for _, event := range events {
		i, ok := index[event.Session]
		if !ok {
			i = len(groups)
			index[event.Session] = i
			groups = append(groups, models.SessionGroup{Session: event.Session})
		}
		groups[i].Events = append(groups[i].Events, event)
	}

	for i := range groups {
		cycles := make(map[int]struct{})
		for _, event := range groups[i].Events {
			cycles[event.Cycle] = struct{}{}
		}
		groups[i].Cycles = len(cycles)
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Session > groups[j].Session
	})
	return groups
}
