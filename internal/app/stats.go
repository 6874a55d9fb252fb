package app

import (
	"time"

	"newsrelay/internal/aigateway"
	"newsrelay/internal/dedup"
	"newsrelay/internal/dispatch"
	"newsrelay/internal/pipeline"
	rtsup "newsrelay/internal/runtime/supervisor"
	"newsrelay/internal/task/scheduler"
	"newsrelay/internal/websub"
)

// Stats is the /stats document.
type Stats struct {
	Time          time.Time                 `json:"time"`
	Uptime        string                    `json:"uptime"`
	Pipeline      pipeline.Counters         `json:"pipeline"`
	Dedup         dedup.Stats               `json:"dedup"`
	Fingerprints  int                       `json:"fingerprints"`
	Lanes         []dispatch.LaneStats      `json:"lanes"`
	AIKeys        []aigateway.KeyView       `json:"ai_keys,omitempty"`
	Subscriptions []websub.SubscriptionView `json:"subscriptions"`
	Schedules     scheduler.Snapshot        `json:"schedules"`
	Supervisors   map[string]rtsup.Snapshot `json:"supervisors"`
}

func (a *App) Stats() Stats {
	now := time.Now()
	st := Stats{
		Time:          now,
		Uptime:        now.Sub(a.started).Truncate(time.Second).String(),
		Pipeline:      a.coord.Counters(),
		Dedup:         a.dedup.Stats(),
		Fingerprints:  a.fps.Len(),
		Lanes:         a.disp.Snapshot(),
		Subscriptions: a.subs.Snapshot(),
		Schedules:     a.sched.Snapshot(),
		Supervisors:   map[string]rtsup.Snapshot{},
	}
	if a.gw != nil {
		st.AIKeys = a.gw.Pool().Snapshot()
	}
	if a.sup != nil {
		st.Supervisors["app"] = a.sup.Snapshot()
	}
	if sup := a.disp.Supervisor(); sup != nil {
		st.Supervisors["dispatch"] = sup.Snapshot()
	}
	return st
}
