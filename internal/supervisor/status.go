package supervisor

import (
	"time"

	"voiced/pkg/types"
)

// Status builds the aggregate status response for /status.
func (s *Supervisor) Status() types.StatusResponse {
	s.mu.RLock()
	resp := types.StatusResponse{
		State:    string(s.state),
		UptimeMS: time.Since(s.startTime).Milliseconds(),
	}
	resp.Services = make([]types.ServiceStatus, 0, len(s.order))
	for _, name := range s.order {
		e := s.services[name]
		st := types.ServiceStatus{
			Name:                name,
			State:               string(e.state),
			Port:                e.desc.Port,
			Restarts:            e.restartCount,
			ConsecutiveFailures: e.consecutiveFailures,
			LastTransitionMS:    e.lastTransition.UnixMilli(),
		}
		if e.adapter != nil {
			st.PID = e.adapter.PID()
		}
		resp.Services = append(resp.Services, st)
	}
	dialogStatus := s.dialogStatus
	s.mu.RUnlock()

	resp.Vram = s.guard.Last()
	if dialogStatus != nil {
		st, id := dialogStatus()
		resp.DialogState = string(st)
		resp.DialogID = id
	} else {
		resp.DialogState = string(types.DialogIdle)
	}
	return resp
}

// Ready reports whether the system reached SYSTEM_READY (possibly degraded).
func (s *Supervisor) Ready() bool {
	st := s.State()
	return st == types.LoaderSystemReady || st == types.LoaderDegraded
}
