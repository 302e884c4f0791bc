// Package conversation adapts the routing engine to the conversation
// collaborator. The engine only appends lifecycle notes; message bodies live
// elsewhere.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
)

// Notes appends lifecycle system notes to a conversation
type Notes interface {
	Append(ctx context.Context, note types.SystemNote) error
}

// Emitter is the part of the realtime transport notes are sent through
type Emitter interface {
	EmitToChannel(channel, event string, payload any) int
}

// ChannelNotes delivers notes to the case channel
type ChannelNotes struct {
	emitter Emitter
	channel func(tenantID, caseID string) string
	logger  zerolog.Logger
}

// NewChannelNotes creates a notes adapter. channel maps a case to its channel name.
func NewChannelNotes(emitter Emitter, channel func(tenantID, caseID string) string, logger zerolog.Logger) *ChannelNotes {
	return &ChannelNotes{
		emitter: emitter,
		channel: channel,
		logger:  logger.With().Str("component", "conversation").Logger(),
	}
}

// Append implements Notes
func (n *ChannelNotes) Append(_ context.Context, note types.SystemNote) error {
	if note.CaseID == "" {
		return fmt.Errorf("system note without case id")
	}
	sent := n.emitter.EmitToChannel(n.channel(note.TenantID, note.CaseID), types.EventSystemNote, note)
	n.logger.Debug().
		Str("case_id", note.CaseID).
		Int("recipients", sent).
		Msg("system note appended")
	return nil
}

// Note builds a system note
func Note(q *types.Query, now time.Time, format string, args ...any) types.SystemNote {
	return types.SystemNote{
		CaseID:    q.CaseID,
		TenantID:  q.TenantID,
		Text:      fmt.Sprintf(format, args...),
		Timestamp: now,
	}
}

// Discard drops every note
type Discard struct{}

// Append implements Notes
func (Discard) Append(context.Context, types.SystemNote) error { return nil }
