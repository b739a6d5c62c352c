package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telemyapp/aegis-broker/internal/auth"
	"github.com/telemyapp/aegis-broker/internal/broker"
	"github.com/telemyapp/aegis-broker/internal/lease"
	"github.com/telemyapp/aegis-broker/internal/model"
)

type fetchRequest struct {
	Name string `json:"name"`
	Node string `json:"node"`
}

type heartbeatRequest struct {
	Name   string `json:"name"`
	Node   string `json:"node"`
	Port   *int   `json:"port"`
	Detail string `json:"detail"`
}

type syncRequest struct {
	Node  string             `json:"node"`
	Usage map[string]float64 `json:"usage"`
}

type releaseRequest struct {
	Name    string `json:"name"`
	Node    string `json:"node"`
	Display string `json:"display"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Node == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "name and node are required", "")
		return
	}
	out, err := s.svc.ResolveAndLease(r.Context(), req.Name, req.Node)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Node == "" || req.Port == nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "name, node and port are required", "")
		return
	}
	out, err := s.svc.Heartbeat(r.Context(), broker.HeartbeatRequest{
		Name:   req.Name,
		Node:   req.Node,
		Port:   *req.Port,
		Detail: req.Detail,
	})
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.svc.ReportTraffic(r.Context(), req.Usage)})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Node == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "name and node are required", "")
		return
	}
	freed, err := s.svc.ReleaseSession(r.Context(), req.Name, req.Node, req.Display)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": freed})
}

type keyRequest struct {
	Name            string  `json:"name"`
	Balance         float64 `json:"balance"`
	Rate            float64 `json:"rate"`
	ExpireTime      string  `json:"expire_time"`
	Port            string  `json:"port"`
	MaxConns        int     `json:"max_conns"`
	Status          string  `json:"status"`
	EnableWeb       bool    `json:"enable_web"`
	IsSingle        bool    `json:"is_single"`
	BlockingMessage string  `json:"blocking_message"`
}

type keyPatchRequest struct {
	Balance         *float64 `json:"balance"`
	Rate            *float64 `json:"rate"`
	ExpireTime      *string  `json:"expire_time"`
	Port            *string  `json:"port"`
	MaxConns        *int     `json:"max_conns"`
	Status          *string  `json:"status"`
	EnableWeb       *bool    `json:"enable_web"`
	IsSingle        *bool    `json:"is_single"`
	BlockingMessage *string  `json:"blocking_message"`
}

type aliasResponse struct {
	Name     string `json:"name"`
	IsSingle bool   `json:"is_single"`
}

type keyResponse struct {
	Name            string          `json:"name"`
	Balance         float64         `json:"balance"`
	Pending         float64         `json:"pending"`
	Rate            float64         `json:"rate"`
	ExpireTime      string          `json:"expire_time"`
	Port            string          `json:"port"`
	MaxConns        int             `json:"max_conns"`
	Status          string          `json:"status"`
	EnableWeb       bool            `json:"enable_web"`
	IsSingle        bool            `json:"is_single"`
	BlockingMessage string          `json:"blocking_message,omitempty"`
	LivePorts       int             `json:"live_ports"`
	Aliases         []aliasResponse `json:"aliases,omitempty"`
	CreatedAt       string          `json:"created_at,omitempty"`
	UpdatedAt       string          `json:"updated_at,omitempty"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.svc.ListKeys(r.Context())
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	out := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toKeyResponse(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	k, err := s.svc.GetKey(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": toKeyResponse(k)})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", "")
		return
	}
	ports, err := model.ParsePortConfig(req.Port)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error(), "")
		return
	}
	k := model.Key{
		Name:            req.Name,
		Balance:         req.Balance,
		Rate:            req.Rate,
		ExpireTime:      req.ExpireTime,
		Port:            ports,
		MaxConns:        req.MaxConns,
		Status:          model.KeyStatus(strings.ToUpper(req.Status)),
		EnableWeb:       req.EnableWeb,
		IsSingle:        req.IsSingle,
		BlockingMessage: req.BlockingMessage,
	}
	if err := s.svc.CreateKey(r.Context(), k); err != nil {
		writeBrokerError(w, err)
		return
	}
	s.audit(r, "create_key", k.Name)
	writeJSON(w, http.StatusCreated, map[string]any{"key": toKeyResponse(broker.KeyView{Key: k})})
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req keyPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", "")
		return
	}
	patch := model.KeyPatch{
		Balance:         req.Balance,
		Rate:            req.Rate,
		ExpireTime:      req.ExpireTime,
		MaxConns:        req.MaxConns,
		EnableWeb:       req.EnableWeb,
		IsSingle:        req.IsSingle,
		BlockingMessage: req.BlockingMessage,
	}
	if req.Port != nil {
		ports, err := model.ParsePortConfig(*req.Port)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error(), "")
			return
		}
		patch.Port = &ports
	}
	if req.Status != nil {
		st := model.KeyStatus(strings.ToUpper(*req.Status))
		patch.Status = &st
	}
	if err := s.svc.UpdateKey(r.Context(), name, patch); err != nil {
		writeBrokerError(w, err)
		return
	}
	s.audit(r, "update_key", name)
	k, err := s.svc.GetKey(r.Context(), name)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": toKeyResponse(k)})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.svc.DeleteKey(r.Context(), name); err != nil {
		writeBrokerError(w, err)
		return
	}
	s.audit(r, "delete_key", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		NewName string `json:"new_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewName == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "new_name is required", "")
		return
	}
	if err := s.svc.RenameKey(r.Context(), name, req.NewName); err != nil {
		writeBrokerError(w, err)
		return
	}
	s.audit(r, "rename_key", name)
	writeJSON(w, http.StatusOK, map[string]any{"name": req.NewName})
}

func (s *Server) handleSetEnabled(enable bool) http.HandlerFunc {
	op := "disable_key"
	if enable {
		op = "enable_key"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		state, err := s.svc.SetEnabled(r.Context(), name, enable)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		s.audit(r, op, name)
		writeJSON(w, http.StatusOK, map[string]any{"name": name, "status": string(state.Status), "reason": state.Reason})
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.Sessions(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, ss := range sessions {
		out = append(out, toSessionResponse(ss))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleReleaseKeySessions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	freed := s.svc.ReleaseKeySessions(r.Context(), name)
	s.audit(r, "release_sessions", name)
	writeJSON(w, http.StatusOK, map[string]any{"released": freed})
}

func (s *Server) handleMapNodePort(w http.ResponseWriter, r *http.Request) {
	name, node := chi.URLParam(r, "name"), chi.URLParam(r, "node")
	var req struct {
		Port int `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", "")
		return
	}
	if err := s.svc.MapNodePort(r.Context(), model.NodePortMapping{Key: name, Node: node, Port: req.Port}); err != nil {
		writeBrokerError(w, err)
		return
	}
	s.audit(r, "map_node_port", name)
	writeJSON(w, http.StatusOK, map[string]any{"key": name, "node": node, "port": req.Port})
}

func (s *Server) handleUnmapNodePort(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.svc.UnmapNodePort(r.Context(), name, chi.URLParam(r, "node")); err != nil {
		writeBrokerError(w, err)
		return
	}
	s.audit(r, "unmap_node_port", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLinkAlias(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	var req struct {
		Target   string `json:"target"`
		IsSingle bool   `json:"is_single"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "target is required", "")
		return
	}
	if err := s.svc.LinkAlias(r.Context(), model.Alias{Name: alias, Target: req.Target, IsSingle: req.IsSingle}); err != nil {
		writeBrokerError(w, err)
		return
	}
	s.audit(r, "link_alias", alias)
	writeJSON(w, http.StatusOK, map[string]any{"name": alias, "target": req.Target, "is_single": req.IsSingle})
}

func (s *Server) handleUnlinkAlias(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	if err := s.svc.UnlinkAlias(r.Context(), alias); err != nil {
		writeBrokerError(w, err)
		return
	}
	s.audit(r, "unlink_alias", alias)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadNodes(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ReloadNodes(r.Context()); err != nil {
		s.log.Error("node allow-list reload failed", "err", err)
		writeAPIError(w, http.StatusBadGateway, "reload_failed", "node allow-list reload failed", "")
		return
	}
	s.audit(r, "reload_nodes", "")
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.svc.AuthorizedNodes()})
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.svc.NodeList()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.svc.LeaseStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":     st.Keys,
		"sessions": st.Sessions,
		"ports":    st.Ports,
		"nodes":    s.svc.AuthorizedNodes(),
	})
}

func (s *Server) audit(r *http.Request, op, target string) {
	operator, _ := auth.OperatorFromContext(r.Context())
	s.log.Info("admin action", "op", op, "target", target, "operator", operator)
}

func toKeyResponse(v broker.KeyView) keyResponse {
	resp := keyResponse{
		Name:            v.Name,
		Balance:         v.Balance,
		Pending:         v.Pending,
		Rate:            v.Rate,
		ExpireTime:      v.ExpireTime,
		Port:            v.Port.String(),
		MaxConns:        v.MaxConns,
		Status:          string(v.Status),
		EnableWeb:       v.EnableWeb,
		IsSingle:        v.IsSingle,
		BlockingMessage: v.BlockingMessage,
		LivePorts:       v.LivePorts,
	}
	for _, a := range v.Aliases {
		resp.Aliases = append(resp.Aliases, aliasResponse{Name: a.Name, IsSingle: a.IsSingle})
	}
	if !v.CreatedAt.IsZero() {
		resp.CreatedAt = v.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !v.UpdatedAt.IsZero() {
		resp.UpdatedAt = v.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toSessionResponse(ss lease.SessionInfo) map[string]any {
	ports := make([]map[string]any, 0, len(ss.Ports))
	for _, p := range ss.Ports {
		ports = append(ports, map[string]any{
			"port":      p.Port.String(),
			"last_seen": p.LastSeen.UTC().Format(time.RFC3339),
			"detail":    p.Detail,
		})
	}
	return map[string]any{
		"session_id": ss.ID,
		"node":       ss.Node,
		"display":    ss.Display,
		"created_at": ss.CreatedAt.UTC().Format(time.RFC3339),
		"ports":      ports,
	}
}
