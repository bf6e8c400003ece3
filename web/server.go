// Package web is the transcription server: a REST API over stored
// meetings plus the websocket endpoint that bridges a recording client
// to the speech recognition engine.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"meetscribe/asr"
	"meetscribe/snd"
	"meetscribe/store"
)

// Store is the persistence the server needs.
type Store interface {
	CreateMeeting(ctx context.Context, m store.Meeting) error
	FinishMeeting(ctx context.Context, id string, durationSeconds, segmentCount int) error
	AppendSegment(ctx context.Context, meetingID string, seq int, text string, committedAt time.Time) error
	ListMeetings(ctx context.Context) ([]store.Meeting, error)
	GetMeeting(ctx context.Context, id string) (store.Meeting, []store.Segment, error)
	PutAudio(ctx context.Context, meetingID, contentType string, data []byte) error
	GetAudio(ctx context.Context, meetingID string) (store.Recording, error)
	DeleteMeeting(ctx context.Context, id string) error
}

type Server struct {
	store    Store
	engine   asr.Engine
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewServer(st Store, engine asr.Engine, logger *log.Logger) *Server {
	return &Server{
		store:  st,
		engine: engine,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/meetings", s.handleListMeetings)
	r.Get("/api/meetings/{id}", s.handleGetMeeting)
	r.Delete("/api/meetings/{id}", s.handleDeleteMeeting)
	r.Get("/api/meetings/{id}/audio", s.handleGetAudio)
	r.Post("/api/meetings/{id}/audio", s.handlePutAudio)
	r.Get("/ws/transcribe", s.handleTranscribe)

	return r
}

func (s *Server) Serve(port int) error {
	s.logger.Info("listening", "url", fmt.Sprintf("http://localhost:%d", port))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), s.Router())
}

func (s *Server) handleListMeetings(w http.ResponseWriter, r *http.Request) {
	meetings, err := s.store.ListMeetings(r.Context())
	if err != nil {
		s.logger.Error("list meetings", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if meetings == nil {
		meetings = []store.Meeting{}
	}
	writeJSON(w, http.StatusOK, meetings)
}

// meetingDetail is a meeting plus its committed transcript.
type meetingDetail struct {
	store.Meeting
	Segments []store.Segment `json:"segments"`
}

func (s *Server) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meeting, segments, err := s.store.GetMeeting(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "meeting not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get meeting", "id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if segments == nil {
		segments = []store.Segment{}
	}
	writeJSON(w, http.StatusOK, meetingDetail{Meeting: meeting, Segments: segments})
}

func (s *Server) handleDeleteMeeting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.DeleteMeeting(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "meeting not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("delete meeting", "id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetAudio(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "recording not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get audio", "id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".ogg"))
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Data)
}

func (s *Server) handlePutAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, _, err := s.store.GetMeeting(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "meeting not found", http.StatusNotFound)
		return
	} else if err != nil {
		s.logger.Error("put audio", "id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = snd.ContentType
	}
	if err := s.store.PutAudio(r.Context(), id, contentType, data); err != nil {
		s.logger.Error("put audio", "id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("stored recording", "meeting", id, "bytes", len(data))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
