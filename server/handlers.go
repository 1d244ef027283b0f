package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bitfsorg/lpclaim-go/ledger"
	"github.com/bitfsorg/lpclaim-go/metrics"
	"github.com/bitfsorg/lpclaim-go/registry"
)

var errBadRequest = errors.New("server: bad request")

type identitiesRequest struct {
	Identities []registry.Identity `json:"identities"`
}

type ownerRequest struct {
	Owner registry.Identity `json:"owner"`
}

type depositRequest struct {
	Amount string `json:"amount"`
}

type receiptResponse struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Identity    registry.Identity `json:"identity"`
	Amount      string            `json:"amount"`
	Seq         uint64            `json:"seq"`
	TransferRef string            `json:"transfer_ref,omitempty"`
	Unconfirmed bool              `json:"unconfirmed,omitempty"`
	Time        time.Time         `json:"time"`
}

type accountResponse struct {
	Identity  registry.Identity `json:"identity"`
	Withdrawn string            `json:"withdrawn"`
	Claimable string            `json:"claimable,omitempty"`
	Claims    uint64            `json:"claims"`
}

type statsResponse struct {
	Owner          registry.Identity `json:"owner"`
	Locked         bool              `json:"locked"`
	Beneficiaries  int               `json:"beneficiaries"`
	TotalDeposited string            `json:"total_deposited"`
	TotalWithdrawn string            `json:"total_withdrawn"`
	Balance        string            `json:"balance"`
	Outstanding    string            `json:"outstanding"`
	Unallocated    string            `json:"unallocated"`
	Entitlement    string            `json:"entitlement"`
	EventSeq       uint64            `json:"event_seq"`
}

type eventResponse struct {
	Seq      uint64            `json:"seq"`
	Kind     string            `json:"kind"`
	Identity registry.Identity `json:"identity"`
	Amount   string            `json:"amount"`
	Ref      string            `json:"ref"`
	Time     time.Time         `json:"time"`
	PrevHash string            `json:"prev_hash"`
	Hash     string            `json:"hash"`
}

func newReceiptResponse(r *ledger.Receipt) receiptResponse {
	return receiptResponse{
		ID:          r.ID,
		Kind:        r.Kind.String(),
		Identity:    r.Identity,
		Amount:      r.Amount.String(),
		Seq:         r.Seq,
		TransferRef: r.TransferRef,
		Unconfirmed: r.Unconfirmed,
		Time:        r.Time,
	}
}

func newStatsResponse(st *ledger.Stats) statsResponse {
	return statsResponse{
		Owner:          st.Owner,
		Locked:         st.Locked,
		Beneficiaries:  st.Beneficiaries,
		TotalDeposited: st.TotalDeposited.String(),
		TotalWithdrawn: st.TotalWithdrawn.String(),
		Balance:        st.Balance.String(),
		Outstanding:    st.Outstanding.String(),
		Unallocated:    st.Unallocated.String(),
		Entitlement:    st.Entitlement.String(),
		EventSeq:       st.EventSeq,
	}
}

// caller returns the identity from CallerHeader. A missing header yields
// the zero identity, which the ledger treats as anonymous.
func caller(r *http.Request) (registry.Identity, error) {
	v := r.Header.Get(CallerHeader)
	if v == "" {
		return registry.Identity{}, nil
	}
	return registry.ParseIdentity(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func pathIdentity(r *http.Request) (registry.Identity, error) {
	return registry.ParseIdentity(chi.URLParam(r, "identity"))
}

func (s *Server) handleAddBeneficiaries(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	var req identitiesRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	inserted, err := s.ledger.AddBeneficiaries(who, req.Identities...)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"inserted": inserted,
		"count":    s.ledger.Stats().Beneficiaries,
	})
}

func (s *Server) handleRemoveBeneficiaries(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	var req identitiesRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	removed, err := s.ledger.RemoveBeneficiaries(who, req.Identities...)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"removed": removed,
		"count":   s.ledger.Stats().Beneficiaries,
	})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if err := s.ledger.LockRegistry(who); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newStatsResponse(s.ledger.Stats()))
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	var req ownerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if err := s.ledger.TransferOwnership(who, req.Owner); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]registry.Identity{"owner": req.Owner})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	var req depositRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		s.writeLedgerError(w, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, req.Amount))
		return
	}
	rcpt, err := s.ledger.Deposit(who, amount)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newReceiptResponse(rcpt))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	rcpt, err := s.ledger.Claim(r.Context(), who)
	if err != nil {
		metrics.RecordClaimError(err)
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newReceiptResponse(rcpt))
}

func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	amount, err := s.ledger.Claimable(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"identity":  id,
		"claimable": amount.String(),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	acct, err := s.ledger.Account(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	resp := accountResponse{
		Identity:  acct.Identity,
		Withdrawn: acct.Withdrawn.String(),
		Claims:    acct.Claims,
	}
	// Claimable is only defined once the registry is locked.
	if c, err := s.ledger.Claimable(id); err == nil {
		resp.Claimable = c.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members := s.ledger.Members()
	if members == nil {
		members = []registry.Identity{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newStatsResponse(s.ledger.Stats()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
		from = n
	}
	limit := defaultEventsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxEventsLimit)
	}

	events, err := s.ledger.Events(from, limit)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	out := make([]eventResponse, len(events))
	for i, ev := range events {
		out[i] = eventResponse{
			Seq:      ev.Seq,
			Kind:     ev.Kind.String(),
			Identity: ev.Identity,
			Amount:   ev.Amount.String(),
			Ref:      ev.Ref,
			Time:     ev.Time,
			PrevHash: hex.EncodeToString(ev.PrevHash),
			Hash:     hex.EncodeToString(ev.Hash),
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
