package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/identity"
	"AgentIntent-Chain/internal/intent"
)

type policyRequest struct {
	MaxSpendPerDay string   `json:"max_spend_per_day"`
	MaxTxPerHour   uint64   `json:"max_tx_per_hour"`
	MaxValuePerTx  string   `json:"max_value_per_tx"`
	Whitelist      []string `json:"whitelist,omitempty"`
}

func (p policyRequest) toPolicy() (identity.Policy, error) {
	daily, err := parseAmount(p.MaxSpendPerDay, "max_spend_per_day")
	if err != nil {
		return identity.Policy{}, err
	}
	perTx, err := parseAmount(p.MaxValuePerTx, "max_value_per_tx")
	if err != nil {
		return identity.Policy{}, err
	}
	policy := identity.Policy{MaxSpendPerDay: daily, MaxTxPerHour: p.MaxTxPerHour, MaxValuePerTx: perTx}
	for _, raw := range p.Whitelist {
		addr, err := parseAddress(raw, "whitelist")
		if err != nil {
			return identity.Policy{}, err
		}
		policy.Whitelist = append(policy.Whitelist, addr)
	}
	return policy, nil
}

type registerAgentRequest struct {
	AgentID string        `json:"agent_id"`
	Owner   string        `json:"owner,omitempty"`
	Signer  string        `json:"signer"`
	Policy  policyRequest `json:"policy"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) error {
	caller, err := callerFrom(r)
	if err != nil {
		return err
	}
	var req registerAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	agentID, err := parseHash(req.AgentID, "agent_id")
	if err != nil {
		return err
	}
	owner := caller
	if req.Owner != "" {
		if owner, err = parseAddress(req.Owner, "owner"); err != nil {
			return err
		}
	}
	signer, err := parseOptionalAddress(req.Signer, "signer")
	if err != nil {
		return err
	}
	policy, err := req.Policy.toPolicy()
	if err != nil {
		return err
	}
	agent, err := s.svc.Identity.Register(agentID, owner, signer, policy)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, agent)
	return nil
}

func (s *Server) agentID(r *http.Request) (identity.AgentID, error) {
	return parseHash(r.PathValue("id"), "agent id")
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) error {
	agentID, err := s.agentID(r)
	if err != nil {
		return err
	}
	agent, err := s.svc.Identity.Get(agentID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, agent)
	return nil
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) error {
	caller, err := callerFrom(r)
	if err != nil {
		return err
	}
	agentID, err := s.agentID(r)
	if err != nil {
		return err
	}
	var req policyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	policy, err := req.toPolicy()
	if err != nil {
		return err
	}
	if err := s.svc.Identity.UpdatePolicy(caller, agentID, policy); err != nil {
		return err
	}
	return s.handleGetAgent(w, r)
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) error {
	caller, err := callerFrom(r)
	if err != nil {
		return err
	}
	agentID, err := s.agentID(r)
	if err != nil {
		return err
	}
	var req struct {
		Ref string `json:"ref"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := s.svc.Identity.UpdateMetadata(caller, agentID, req.Ref); err != nil {
		return err
	}
	return s.handleGetAgent(w, r)
}

func (s *Server) handleAgentToggle(active bool) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		caller, err := callerFrom(r)
		if err != nil {
			return err
		}
		agentID, err := s.agentID(r)
		if err != nil {
			return err
		}
		if active {
			err = s.svc.Identity.Reactivate(caller, agentID)
		} else {
			err = s.svc.Identity.Deactivate(caller, agentID)
		}
		if err != nil {
			return err
		}
		return s.handleGetAgent(w, r)
	}
}

func (s *Server) handleAgentPause(paused bool) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		caller, err := callerFrom(r)
		if err != nil {
			return err
		}
		agentID, err := s.agentID(r)
		if err != nil {
			return err
		}
		if paused {
			err = s.svc.Policy.PauseAgent(caller, agentID)
		} else {
			err = s.svc.Policy.UnpauseAgent(caller, agentID)
		}
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "paused": paused})
		return nil
	}
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) error {
	agentID, err := s.agentID(r)
	if err != nil {
		return err
	}
	nonce, err := s.svc.Intents.GetNonce(r.Context(), agentID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "nonce": nonce})
	return nil
}

func (s *Server) handleWindowState(w http.ResponseWriter, r *http.Request) error {
	agentID, err := s.agentID(r)
	if err != nil {
		return err
	}
	window, err := s.svc.Policy.WindowState(r.Context(), agentID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, window)
	return nil
}

func (s *Server) handlePolicyState(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]any{
		"paused":  s.svc.Policy.IsPaused(),
		"breaker": s.svc.Policy.BreakerState(),
	})
	return nil
}

func (s *Server) handleGlobalPause(paused bool) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		caller, err := callerFrom(r)
		if err != nil {
			return err
		}
		if paused {
			err = s.svc.Policy.Pause(caller)
		} else {
			err = s.svc.Policy.Unpause(caller)
		}
		if err != nil {
			return err
		}
		return s.handlePolicyState(w, r)
	}
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) error {
	caller, err := callerFrom(r)
	if err != nil {
		return err
	}
	if err := s.svc.Policy.ResetCircuitBreaker(caller); err != nil {
		return err
	}
	return s.handlePolicyState(w, r)
}

type emitRequest struct {
	IntentID          string `json:"intent_id"`
	AgentID           string `json:"agent_id"`
	SourceDomain      uint64 `json:"source_domain"`
	DestinationDomain uint64 `json:"destination_domain"`
	ActionHash        string `json:"action_hash"`
	Nonce             uint64 `json:"nonce"`
	Expiry            int64  `json:"expiry"`
	Value             string `json:"value"`
	Recipient         string `json:"recipient"`
	Signature         string `json:"signature"`
}

func (req emitRequest) descriptor() (intent.Descriptor, []byte, error) {
	var (
		desc intent.Descriptor
		err  error
	)
	if desc.IntentID, err = parseHash(req.IntentID, "intent_id"); err != nil {
		return desc, nil, err
	}
	if desc.AgentID, err = parseHash(req.AgentID, "agent_id"); err != nil {
		return desc, nil, err
	}
	if desc.ActionHash, err = parseHash(req.ActionHash, "action_hash"); err != nil {
		return desc, nil, err
	}
	if desc.Value, err = parseAmount(req.Value, "value"); err != nil {
		return desc, nil, err
	}
	if desc.Recipient, err = parseAddress(req.Recipient, "recipient"); err != nil {
		return desc, nil, err
	}
	desc.SourceDomain = req.SourceDomain
	desc.DestinationDomain = req.DestinationDomain
	desc.Nonce = req.Nonce
	desc.Expiry = req.Expiry
	sig, err := parseBytes(req.Signature, "signature")
	if err != nil {
		return desc, nil, err
	}
	return desc, sig, nil
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) error {
	var req emitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	desc, sig, err := req.descriptor()
	if err != nil {
		return err
	}
	in, err := s.svc.Intents.Emit(r.Context(), desc, sig)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, in)
	return nil
}

func (s *Server) intentID(r *http.Request) (common.Hash, error) {
	return parseHash(r.PathValue("id"), "intent id")
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) error {
	id, err := s.intentID(r)
	if err != nil {
		return err
	}
	in, err := s.svc.Intents.GetIntent(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, in)
	return nil
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	var opts []intent.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return invalid("limit 必须是整数")
		}
		opts = append(opts, intent.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return invalid("offset 必须是整数")
		}
		opts = append(opts, intent.WithOffset(offset))
	}
	if raw := query.Get("agent_id"); raw != "" {
		agentID, err := parseHash(raw, "agent_id")
		if err != nil {
			return err
		}
		opts = append(opts, intent.WithAgent(agentID))
	}
	if raw := query.Get("relayer"); raw != "" {
		relayer, err := parseAddress(raw, "relayer")
		if err != nil {
			return err
		}
		opts = append(opts, intent.WithRelayer(relayer))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []intent.Status
		for _, part := range strings.Split(raw, ",") {
			status := intent.Status(strings.TrimSpace(part))
			if !intent.IsValidStatus(status) {
				return invalid("未知的状态: " + part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, intent.WithStatuses(statuses...))
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts = append(opts, intent.WithSortOrder(intent.SortByCreatedAsc))
	}
	list, err := s.svc.Intents.List(r.Context(), opts...)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": list, "count": len(list)})
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) error {
	caller, err := callerFrom(r)
	if err != nil {
		return err
	}
	id, err := s.intentID(r)
	if err != nil {
		return err
	}
	in, err := s.svc.Intents.Submit(r.Context(), id, caller)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, in)
	return nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) error {
	id, err := s.intentID(r)
	if err != nil {
		return err
	}
	var req struct {
		Payload string `json:"payload"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	payload, err := parseBytes(req.Payload, "payload")
	if err != nil {
		return err
	}
	in, err := s.svc.Intents.Execute(r.Context(), id, payload)
	if err != nil {
		if in != nil && xerrors.CodeOf(err) == intent.CodeDispatchFailed {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"code":   intent.CodeDispatchFailed,
				"intent": in,
			})
		}
		return err
	}
	writeJSON(w, http.StatusOK, in)
	return nil
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) error {
	caller, err := callerFrom(r)
	if err != nil {
		return err
	}
	id, err := s.intentID(r)
	if err != nil {
		return err
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	in, err := s.svc.Intents.Dispute(r.Context(), id, caller, req.Reason)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, in)
	return nil
}
