package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/weo-dev/escrowd/pkg/escrow"
)

type (
	psbtRequest struct {
		Psbt string `json:"psbt"`
	}
	psbtResponse struct {
		Psbt string `json:"psbt"`
	}
	healthResponse struct {
		OK           bool  `json:"ok"`
		DB           bool  `json:"db"`
		RPC          bool  `json:"rpc"`
		WebhookQueue int64 `json:"webhook_queue"`
	}
)

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response write failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db.Ping() == nil
	rpcOK := true
	if _, err := s.wallet.GetBlockchainInfo(r.Context()); err != nil {
		rpcOK = false
	}
	var qlen int64
	if s.queue != nil {
		qlen = s.queue.QueueLen()
	}
	res := healthResponse{OK: dbOK && rpcOK, DB: dbOK, RPC: rpcOK, WebhookQueue: qlen}
	code := http.StatusOK
	if !res.OK {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, res)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req escrow.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.coord.CreateOrder(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePayoutQuote(w http.ResponseWriter, r *http.Request) {
	var req escrow.QuoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.coord.PayoutQuote(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBuildPayout(w http.ResponseWriter, r *http.Request) {
	var req escrow.PayoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	psbt, err := s.coord.BuildPayout(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, psbtResponse{Psbt: psbt})
}

func (s *Server) handleBuildRefund(w http.ResponseWriter, r *http.Request) {
	var req escrow.RefundRequest
	if !s.decode(w, r, &req) {
		return
	}
	psbt, err := s.coord.BuildRefund(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, psbtResponse{Psbt: psbt})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req escrow.MergeRequest
	if !s.decode(w, r, &req) {
		return
	}
	psbt, err := s.coord.Merge(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, psbtResponse{Psbt: psbt})
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req psbtRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.coord.Decode(r.Context(), req.Psbt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req escrow.FinalizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.State == "" {
		req.State = escrow.StateCompleted
	}
	res, err := s.coord.Finalize(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req escrow.BroadcastRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.State == "" {
		req.State = escrow.StateCompleted
	}
	res, err := s.coord.Broadcast(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBumpFee(w http.ResponseWriter, r *http.Request) {
	var req escrow.BumpRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.coord.BumpFee(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFinalizeBump(w http.ResponseWriter, r *http.Request) {
	var req escrow.BumpFinalizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.coord.FinalizeBump(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
