package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"elero-go-home/internal/coordinator"
	"elero-go-home/internal/stick"
)

const maxTimedDuration = 10 * time.Minute

// commandRequest is the body of a channel or group command. Position takes
// precedence over Command.
type commandRequest struct {
	Command         string  `json:"command"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Position        *int    `json:"position,omitempty"`
}

type refreshRequest struct {
	Channels []int `json:"channels"`
}

func (s *Server) handleAPIListChannels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Channels())
}

func (s *Server) handleAPIGetChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.channelFromPath(w, r)
	if !ok {
		return
	}
	info, _ := s.backend.Channel(id)
	s.writeJSON(w, http.StatusOK, info)
}

// channelFromPath parses {id} and writes 400 or 404 when it does not name
// a known channel.
func (s *Server) channelFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel id"})
		return 0, false
	}
	if _, ok := s.backend.Channel(id); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel not found"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleAPIChannelCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := s.channelFromPath(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}

	var err error
	switch {
	case req.Position != nil:
		err = s.backend.SetPosition(id, *req.Position)
	default:
		var cmd stick.CommandType
		cmd, err = stick.ParseCommandType(req.Command)
		if err != nil {
			break
		}
		switch {
		case req.DurationSeconds > 0:
			d := time.Duration(req.DurationSeconds * float64(time.Second))
			if d > maxTimedDuration {
				s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "duration_seconds too large"})
				return
			}
			err = s.backend.SendTimed(id, cmd, d)
		case cmd == stick.CommandInfo:
			err = s.backend.Refresh(id)
		default:
			err = s.backend.SendCommand(id, cmd)
		}
	}
	if err != nil {
		s.writeCommandError(w, err, "channel", strconv.Itoa(id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	for _, id := range req.Channels {
		if _, ok := s.backend.Channel(id); !ok {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel not found: " + strconv.Itoa(id)})
			return
		}
	}
	if err := s.backend.Refresh(req.Channels...); err != nil {
		s.writeCommandError(w, err, "refresh", "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListGroups(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Groups())
}

func (s *Server) handleAPIGetGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := s.backend.Group(r.PathValue("name"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "group not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleAPIGroupCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	g, ok := s.backend.Group(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "group not found"})
		return
	}
	req, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	if req.DurationSeconds > 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "timed commands are per channel"})
		return
	}

	var err error
	if req.Position != nil {
		err = s.backend.GroupSetPosition(name, *req.Position)
	} else {
		var cmd stick.CommandType
		if cmd, err = stick.ParseCommandType(req.Command); err == nil {
			if cmd == stick.CommandInfo {
				err = s.backend.Refresh(g.Channels...)
			} else {
				err = s.backend.GroupCommand(name, cmd)
			}
		}
	}
	if err != nil {
		s.writeCommandError(w, err, "group", name)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIStick(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.StickInfo())
}

func (s *Server) decodeCommand(w http.ResponseWriter, r *http.Request) (commandRequest, bool) {
	var req commandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	if req.Position == nil && req.Command == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command or position is required"})
		return req, false
	}
	if req.DurationSeconds < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "duration_seconds must not be negative"})
		return req, false
	}
	return req, true
}

// writeCommandError maps command errors to status codes. Validation errors
// carry their message; anything else is logged and reported as 500.
func (s *Server) writeCommandError(w http.ResponseWriter, err error, kind, target string) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownChannel), errors.Is(err, coordinator.ErrUnknownGroup):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, stick.ErrInvalidCommand),
		errors.Is(err, stick.ErrInvalidChannel),
		errors.Is(err, coordinator.ErrUnsupportedPosition):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("command failed", "kind", kind, "target", target, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
