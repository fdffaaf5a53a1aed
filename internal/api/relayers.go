package api

import (
	"net/http"
	"strconv"

	"AgentIntent-Chain/internal/relayer"
	"AgentIntent-Chain/internal/web3"
)

type relayerView struct {
	*relayer.Relayer
	Score       uint64 `json:"score"`
	SuccessRate uint64 `json:"success_rate"`
}

func (s *Server) relayerView(rel *relayer.Relayer) relayerView {
	view := relayerView{Relayer: rel, SuccessRate: rel.SuccessRate()}
	if score, err := s.svc.Relayers.Score(rel.Address); err == nil {
		view.Score = score
	}
	return view
}

func (s *Server) handleRegisterRelayer(w http.ResponseWriter, r *http.Request) error {
	caller, err := callerFrom(r)
	if err != nil {
		return err
	}
	var req struct {
		Stake string `json:"stake"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	stake, err := parseAmount(req.Stake, "stake")
	if err != nil {
		return err
	}
	rel, err := s.svc.Relayers.Register(r.Context(), caller, stake)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, s.relayerView(rel))
	return nil
}

func (s *Server) handleUnregisterRelayer(w http.ResponseWriter, r *http.Request) error {
	caller, err := callerFrom(r)
	if err != nil {
		return err
	}
	refund, err := s.svc.Relayers.Unregister(r.Context(), caller)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": caller, "refunded": refund.String()})
	return nil
}

func (s *Server) handleListRelayers(w http.ResponseWriter, _ *http.Request) error {
	active := s.svc.Relayers.ActiveRelayers()
	views := make([]relayerView, 0, len(active))
	for _, addr := range active {
		rel, err := s.svc.Relayers.Get(addr)
		if err != nil {
			continue
		}
		views = append(views, s.relayerView(rel))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"relayers":  views,
		"min_stake": s.svc.Relayers.MinStake().String(),
	})
	return nil
}

func (s *Server) handleSelectRelayer(w http.ResponseWriter, r *http.Request) error {
	intentID, err := parseHash(r.URL.Query().Get("intent_id"), "intent_id")
	if err != nil {
		return err
	}
	addr, err := s.svc.Relayers.Select(intentID)
	if err != nil {
		return err
	}
	score, _ := s.svc.Relayers.Score(addr)
	writeJSON(w, http.StatusOK, map[string]any{"intent_id": intentID, "relayer": addr, "score": score})
	return nil
}

func (s *Server) handleGetRelayer(w http.ResponseWriter, r *http.Request) error {
	addr, err := parseAddress(r.PathValue("address"), "relayer address")
	if err != nil {
		return err
	}
	rel, err := s.svc.Relayers.Get(addr)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, s.relayerView(rel))
	return nil
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) error {
	agentID, err := parseHash(r.PathValue("agentId"), "agent id")
	if err != nil {
		return err
	}
	trail, err := s.svc.Audit.GetTrail(r.Context(), agentID)
	if err != nil {
		return err
	}
	total, err := s.svc.Audit.GetTotalCount(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"count":    len(trail),
		"total":    total,
		"entries":  trail,
	})
	return nil
}

func (s *Server) handleAuditEntry(w http.ResponseWriter, r *http.Request) error {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		return invalid("index 必须是非负整数")
	}
	entry, err := s.svc.Audit.GetEntry(r.Context(), index)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, entry)
	return nil
}

func (s *Server) handleAuditContent(w http.ResponseWriter, r *http.Request) error {
	if s.svc.Pipeline == nil {
		return invalid("未启用审计内容存储")
	}
	body, err := s.svc.Pipeline.Content(r.Context(), r.URL.Query().Get("ref"))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	return nil
}

func (s *Server) handleDomains(w http.ResponseWriter, _ *http.Request) error {
	domains := []web3.Domain{}
	if s.svc.Domains != nil {
		domains = s.svc.Domains.Domains()
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
	return nil
}
