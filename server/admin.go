package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"moonbase/journal"
)

// JournalQuerier 管理接口查询会话事件所需的能力
type JournalQuerier interface {
	Recent(ctx context.Context, room string, limit int) ([]journal.Event, error)
}

// Routes 注册 WebSocket 与管理接口
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/admin/config", h.HandleAdminConfig)
	mux.HandleFunc("/admin/rooms", h.HandleRooms)
	mux.HandleFunc("/admin/journal", h.HandleJournal)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// adminSettings 可热更新的字段；指针为空表示不修改
type adminSettings struct {
	JoinGraceMs      *int64   `json:"joinGraceMs,omitempty"`
	PositionSampleMs *int64   `json:"positionSampleMs,omitempty"`
	KeepEmptyRooms   *bool    `json:"keepEmptyRooms,omitempty"`
	MoveSpeed        *float64 `json:"moveSpeed,omitempty"`
}

func toAdmin(s Settings) adminSettings {
	grace := s.JoinGrace.Milliseconds()
	sample := s.PositionSampleInterval.Milliseconds()
	keep := s.KeepEmptyRooms
	speed := s.MoveSpeed
	return adminSettings{JoinGraceMs: &grace, PositionSampleMs: &sample, KeepEmptyRooms: &keep, MoveSpeed: &speed}
}

// HandleAdminConfig 读取与热更新运行参数
// GET /admin/config  返回当前参数
// POST /admin/config 以 JSON 载荷更新部分字段
func (h *Handler) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, toAdmin(h.Manager.Settings()))
	case http.MethodPost:
		var body adminSettings
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if (body.JoinGraceMs != nil && *body.JoinGraceMs < 0) ||
			(body.PositionSampleMs != nil && *body.PositionSampleMs < 0) ||
			(body.MoveSpeed != nil && *body.MoveSpeed <= 0) {
			http.Error(w, "out of range", http.StatusBadRequest)
			return
		}
		s := h.Manager.UpdateSettings(func(s *Settings) {
			if body.JoinGraceMs != nil {
				s.JoinGrace = time.Duration(*body.JoinGraceMs) * time.Millisecond
			}
			if body.PositionSampleMs != nil {
				s.PositionSampleInterval = time.Duration(*body.PositionSampleMs) * time.Millisecond
			}
			if body.KeepEmptyRooms != nil {
				s.KeepEmptyRooms = *body.KeepEmptyRooms
			}
			if body.MoveSpeed != nil {
				s.MoveSpeed = *body.MoveSpeed
			}
		})
		Log.Infow("settings updated", "join_grace", s.JoinGrace, "position_sample", s.PositionSampleInterval,
			"keep_empty_rooms", s.KeepEmptyRooms, "move_speed", s.MoveSpeed)
		writeJSON(w, http.StatusOK, toAdmin(s))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出运行指标；带 ?room= 时只输出该房间（不会创建房间）
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("room"); name != "" {
		room, ok := h.Manager.Room(name)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"room":    name,
			"players": room.Len(),
			"metrics": room.Metrics().Snapshot(),
		})
		return
	}
	rooms := map[string]any{}
	for _, info := range h.Manager.Rooms() {
		if room, ok := h.Manager.Room(info.Name); ok {
			rooms[info.Name] = room.Metrics().Snapshot()
		}
	}
	payload := map[string]any{
		"clients": h.Manager.ClientCount(),
		"manager": h.Manager.Metrics().Snapshot(),
		"rooms":   rooms,
	}
	if st, ok := h.Journal.(interface{ Stats() map[string]any }); ok {
		payload["journal"] = st.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

// HandleRooms GET /admin/rooms 列出房间与人数
func (h *Handler) HandleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Manager.Rooms())
}

// HandleJournal GET /admin/journal?room=MoonBase&limit=50
func (h *Handler) HandleJournal(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := h.Journal.Recent(r.Context(), r.URL.Query().Get("room"), limit)
	if err != nil {
		Log.Warnw("journal query failed", "err", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
