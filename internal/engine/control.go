package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"argosd/internal/ipc"
	"argosd/internal/journal"
)

// Control answers control-socket requests against a running pipeline.
// It implements ipc.Handler; the server answers Ping itself.
type Control struct {
	Pipeline  *Pipeline
	Journal   *journal.Journal // nil when the journal is disabled
	Version   string
	StartedAt time.Time
}

// recentDefault and recentMax bound the Recent query size.
const (
	recentDefault = 10
	recentMax     = 1000
)

// Handle implements ipc.Handler.
func (c *Control) Handle(ctx context.Context, req *ipc.Message) (*ipc.Message, error) {
	switch req.Header.Type {
	case ipc.MsgStatus:
		return c.status(req)
	case ipc.MsgThresholdGet:
		return ipc.NewResponse(ipc.MsgThresholdGetResp, req.Header.RequestID,
			&ipc.ThresholdGetResponse{Threshold: c.Pipeline.Threshold()})
	case ipc.MsgThresholdSet:
		return c.setThreshold(req)
	case ipc.MsgRecent:
		return c.recent(req)
	case ipc.MsgPause:
		c.Pipeline.Pause()
		return ipc.NewResponse(ipc.MsgPauseResp, req.Header.RequestID,
			&ipc.PauseResponse{Paused: c.Pipeline.Paused()})
	case ipc.MsgResume:
		c.Pipeline.Resume()
		return ipc.NewResponse(ipc.MsgResumeResp, req.Header.RequestID,
			&ipc.ResumeResponse{Paused: c.Pipeline.Paused()})
	default:
		return ipc.NewErrorMessage(req.Header.RequestID, ipc.ErrCodeUnknown,
			fmt.Sprintf("unsupported request type 0x%04x", uint16(req.Header.Type))), nil
	}
}

func (c *Control) status(req *ipc.Message) (*ipc.Message, error) {
	p := c.Pipeline
	st := p.Stats()
	arts := p.Model()

	resp := &ipc.StatusResponse{
		Version:      c.Version,
		Node:         p.Node(),
		PID:          os.Getpid(),
		StartedAt:    c.StartedAt,
		Uptime:       time.Since(c.StartedAt),
		Paused:       p.Paused(),
		GramSize:     p.GramSize(),
		WindowMillis: p.WindowMillis(),
		Threshold:    p.Threshold(),
		Model: ipc.ModelInfo{
			Windows:    arts.Manifest.Windows,
			Trees:      arts.Manifest.Trees,
			Dimensions: arts.Manifest.Dimensions,
		},
		Pipeline: ipc.PipelineStats{
			WindowsProcessed:  st.WindowsProcessed,
			EventsSeen:        st.EventsSeen,
			WindowsDropped:    st.WindowsDropped,
			Alerts:            st.Alerts,
			LastScore:         st.LastScore,
			LastFilteredScore: st.LastFilteredScore,
			LastWindowEnd:     st.LastWindowEnd,
		},
	}
	if created, err := time.Parse(time.RFC3339, arts.Manifest.CreatedAt); err == nil {
		resp.Model.CreatedAt = created
	}
	if c.Journal != nil {
		if scores, alerts, err := c.Journal.Counts(); err == nil {
			resp.Journal = ipc.JournalStats{Scores: scores, Alerts: alerts}
		}
	}

	return ipc.NewResponse(ipc.MsgStatusResp, req.Header.RequestID, resp)
}

func (c *Control) setThreshold(req *ipc.Message) (*ipc.Message, error) {
	var body ipc.ThresholdSetRequest
	if err := ipc.Decode(req.Payload, &body); err != nil {
		return ipc.NewErrorMessage(req.Header.RequestID, ipc.ErrCodeInvalidRequest,
			"malformed threshold request"), nil
	}

	previous := c.Pipeline.Threshold()
	if err := c.Pipeline.SetThreshold(body.Threshold); err != nil {
		return ipc.NewErrorMessage(req.Header.RequestID, ipc.ErrCodeBadValue, err.Error()), nil
	}

	return ipc.NewResponse(ipc.MsgThresholdSetResp, req.Header.RequestID,
		&ipc.ThresholdSetResponse{Threshold: body.Threshold, Previous: previous})
}

func (c *Control) recent(req *ipc.Message) (*ipc.Message, error) {
	if c.Journal == nil {
		return ipc.NewErrorMessage(req.Header.RequestID, ipc.ErrCodeUnavailable,
			"journal disabled"), nil
	}

	var body ipc.RecentRequest
	if len(req.Payload) > 0 {
		if err := ipc.Decode(req.Payload, &body); err != nil {
			return ipc.NewErrorMessage(req.Header.RequestID, ipc.ErrCodeInvalidRequest,
				"malformed recent request"), nil
		}
	}

	limit := body.Limit
	if limit <= 0 {
		limit = recentDefault
	}
	if limit > recentMax {
		limit = recentMax
	}

	var (
		rows []journal.ScoreRow
		err  error
	)
	if body.AlertsOnly {
		rows, err = c.Journal.RecentAlerts(limit)
	} else {
		rows, err = c.Journal.RecentScores(limit)
	}
	if err != nil {
		return ipc.NewErrorMessage(req.Header.RequestID, ipc.ErrCodeInternal, err.Error()), nil
	}

	entries := make([]ipc.ScoreEntry, len(rows))
	for i, row := range rows {
		entries[i] = ipc.ScoreEntry{
			WindowStart:   time.Unix(0, row.WindowStartNs),
			WindowEnd:     time.Unix(0, row.WindowEndNs),
			Events:        int(row.Events),
			Score:         row.Score,
			FilteredScore: row.FilteredScore,
			Threshold:     row.Threshold,
			Alert:         row.Alert,
		}
	}

	return ipc.NewResponse(ipc.MsgRecentResp, req.Header.RequestID,
		&ipc.RecentResponse{Entries: entries})
}
