package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"xlc-gateway/internal/codec"
	"xlc-gateway/internal/device"
	"xlc-gateway/internal/gateway"
)

var okStatus = map[string]string{"status": "ok"}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Infos())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	info, ok := s.registry.Info(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Forget(id); err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okStatus)
}

func (s *Server) handleAPIProperties(w http.ResponseWriter, r *http.Request) {
	s.withLink(w, r, func(ctx context.Context, l *device.Link) (any, error) {
		return l.GetOtherProperties(ctx)
	})
}

func (s *Server) handleAPIFirmware(w http.ResponseWriter, r *http.Request) {
	s.withLink(w, r, func(ctx context.Context, l *device.Link) (any, error) {
		fw, err := l.GetFirmwareVersion(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"firmware_version": fw}, nil
	})
}

func (s *Server) handleAPIGetRules(w http.ResponseWriter, r *http.Request) {
	s.withLink(w, r, func(ctx context.Context, l *device.Link) (any, error) {
		rules, err := l.GetRules(ctx)
		if err != nil {
			return nil, err
		}
		if rules == nil {
			rules = []codec.ScheduleRule{}
		}
		return rules, nil
	})
}

func (s *Server) handleAPISetRules(w http.ResponseWriter, r *http.Request) {
	var rules []codec.ScheduleRule
	if !s.decodeBody(w, r, &rules) {
		return
	}
	s.withLink(w, r, func(ctx context.Context, l *device.Link) (any, error) {
		return okStatus, l.SetRules(ctx, rules)
	})
}

func (s *Server) handleAPIClearRules(w http.ResponseWriter, r *http.Request) {
	s.withLink(w, r, func(ctx context.Context, l *device.Link) (any, error) {
		return okStatus, l.ClearRules(ctx)
	})
}

func (s *Server) handleAPISetAir(w http.ResponseWriter, r *http.Request) {
	var req codec.AirStatus
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.registry.SetAirStatus(r.Context(), id, req); err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okStatus)
}

func (s *Server) handleAPISyncTime(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.SyncTime(r.Context(), id); err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okStatus)
}

type heartbeatIntervalRequest struct {
	Interval int `json:"interval"`
}

func (s *Server) handleAPIHeartbeatInterval(w http.ResponseWriter, r *http.Request) {
	var req heartbeatIntervalRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.withLink(w, r, func(ctx context.Context, l *device.Link) (any, error) {
		return okStatus, l.SetHeartbeatInterval(ctx, req.Interval)
	})
}

func (s *Server) handleAPILimits(w http.ResponseWriter, r *http.Request) {
	var req codec.CurrentLimits
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.withLink(w, r, func(ctx context.Context, l *device.Link) (any, error) {
		return okStatus, l.SetCurrentLimits(ctx, req)
	})
}

type infraredCodeRequest struct {
	Code uint16 `json:"code"`
}

func (s *Server) handleAPIInfraredCode(w http.ResponseWriter, r *http.Request) {
	var req infraredCodeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.withLink(w, r, func(ctx context.Context, l *device.Link) (any, error) {
		return okStatus, l.SetInfraredCode(ctx, req.Code)
	})
}

type identityRequest struct {
	Identity string `json:"identity"`
}

func (s *Server) handleAPIIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.withLink(w, r, func(ctx context.Context, l *device.Link) (any, error) {
		return okStatus, l.SetIdentity(ctx, req.Identity)
	})
}

// withLink resolves the {id} path value to a live link and writes fn's
// result, or the mapped error.
func (s *Server) withLink(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, l *device.Link) (any, error)) {
	id := r.PathValue("id")
	l, err := s.registry.Lookup(id)
	if err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	v, err := fn(r.Context(), l)
	if err != nil {
		s.writeDeviceError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) writeDeviceError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, gateway.ErrUnknownDevice):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
	case errors.Is(err, device.ErrNotConnected), errors.Is(err, gateway.ErrDeviceOnline):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, codec.ErrInvalidIdentityFormat),
		errors.Is(err, codec.ErrLimitOutOfRange),
		errors.Is(err, codec.ErrIntervalOutOfRange),
		errors.Is(err, codec.ErrInvalidRule):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, gateway.ErrPersistence):
		s.logger.Error("device request", "device", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	default:
		s.logger.Warn("device request", "device", id, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
