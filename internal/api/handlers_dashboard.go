package api

import (
	"net/http"
	"runtime"
	"time"

	"gravity-claw/internal/config"
	"gravity-claw/internal/pipeline"
)

type setupResponse struct {
	MissingKeys  []config.MissingKey `json:"missingKeys"`
	IsFullyArmed bool                `json:"isFullyArmed"`
}

type statusResponse struct {
	Status       string                  `json:"status"`
	Uptime       float64                 `json:"uptime"`
	Goroutines   int                     `json:"goroutines"`
	HeapMB       float64                 `json:"heapMB"`
	Integrations []string                `json:"integrations"`
	Pipeline     map[pipeline.Status]int `json:"pipeline"`
	Subscribers  int                     `json:"subscribers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	resp := statusResponse{
		Status:       "online",
		Uptime:       time.Since(s.started).Seconds(),
		Goroutines:   runtime.NumGoroutine(),
		HeapMB:       float64(mem.HeapAlloc) / (1 << 20),
		Integrations: s.deps.Integrations,
		Pipeline:     map[pipeline.Status]int{},
	}
	if resp.Integrations == nil {
		resp.Integrations = []string{}
	}
	if s.deps.Pipeline != nil {
		resp.Pipeline = s.deps.Pipeline.Table().Stats()
	}
	if s.deps.Hub != nil {
		resp.Subscribers = s.deps.Hub.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Logs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Logs.Entries())
}

func (s *Server) handleSetup(w http.ResponseWriter, _ *http.Request) {
	missing := s.deps.Setup
	if missing == nil {
		missing = []config.MissingKey{}
	}
	writeJSON(w, http.StatusOK, setupResponse{MissingKeys: missing, IsFullyArmed: len(missing) == 0})
}
