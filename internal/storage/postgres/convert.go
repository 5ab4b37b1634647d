package postgres

import (
	"strings"

	"github.com/jkaninda/cubelink/internal/domain"
)

// --- Run ---

func toRunModel(r *domain.Run) RunModel {
	return RunModel{
		ID:             r.ID,
		UserID:         r.UserID,
		Port:           r.Port,
		Dialect:        r.Dialect,
		Source:         r.Source,
		DemoName:       r.DemoName,
		Arguments:      r.Arguments,
		Status:         string(r.Status),
		ExecStatus:     r.ExecStatus,
		ExecMessage:    r.ExecMessage,
		Instructions:   r.Instructions,
		Truncated:      r.Truncated,
		TransportState: r.TransportState,
		States:         strings.Join(r.States, ","),
		Acked:          r.Acked,
		Recovered:      r.Recovered,
		TransportError: r.TransportError,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		TimedOutAt:     r.TimedOutAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toRunDomain(m *RunModel) *domain.Run {
	var states []string
	if m.States != "" {
		states = strings.Split(m.States, ",")
	}
	return &domain.Run{
		ID:             m.ID,
		UserID:         m.UserID,
		Port:           m.Port,
		Dialect:        m.Dialect,
		Source:         m.Source,
		DemoName:       m.DemoName,
		Arguments:      m.Arguments,
		Status:         domain.RunStatus(m.Status),
		ExecStatus:     m.ExecStatus,
		ExecMessage:    m.ExecMessage,
		Instructions:   m.Instructions,
		Truncated:      m.Truncated,
		TransportState: m.TransportState,
		States:         states,
		Acked:          m.Acked,
		Recovered:      m.Recovered,
		TransportError: m.TransportError,
		StartedAt:      m.StartedAt,
		FinishedAt:     m.FinishedAt,
		TimedOutAt:     m.TimedOutAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
