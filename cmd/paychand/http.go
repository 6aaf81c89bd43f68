package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokenmeter/paychand/internal/chancrypto"
	"github.com/tokenmeter/paychand/internal/engine"
	"github.com/tokenmeter/paychand/internal/errs"
)

// server wraps the Engine with the JSON request/response plumbing the
// external composer/admin clients drive; it stays a thin translation
// layer, matching rpcserver.go's habit of keeping marshalling separate
// from the subsystem it fronts.
type server struct {
	eng *engine.Engine
}

func newServer(eng *engine.Engine) *server {
	return &server{eng: eng}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/login", s.handleLogin)
	mux.HandleFunc("/v1/channels/open", s.handleOpenChannel)
	mux.HandleFunc("/v1/channels/confirm", s.handleConfirmFunding)
	mux.HandleFunc("/v1/chunks/create", s.handleStreamChunk)
	mux.HandleFunc("/v1/chunks/pay", s.handlePayChunk)
	mux.HandleFunc("/v1/channels/settle", s.handleSettle)
	mux.HandleFunc("/v1/stream", s.eng.Bus().SSEHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps an errs.Kind to an HTTP status the same way
// rpcserver.go maps lnwire failure codes to gRPC codes: one switch,
// one place.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.InputValidation:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.StateConflict, errs.Insufficient:
		status = http.StatusConflict
	case errs.SignatureInvalid:
		status = http.StatusUnauthorized
	case errs.BlockchainPending:
		status = http.StatusAccepted
	case errs.BlockchainRejected:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type loginRequest struct {
	PublicKeyHex string `json:"publicKey"`
	Username     string `json:"username"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	pub, err := hex.DecodeString(req.PublicKeyHex)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "publicKey must be hex"})
		return
	}
	u, err := s.eng.Login(r.Context(), pub, req.Username)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type openChannelRequest struct {
	UserID            int64  `json:"userId"`
	AmountBaseUnits   int64  `json:"amountBaseUnits"`
	DurationSeconds   int64  `json:"durationSeconds"`
	CodeHashHex       string `json:"codeHash"`
	HashType          byte   `json:"hashType"`
	BuyerPubKeyHashHex  string `json:"buyerPubKeyHash"`
	SellerPubKeyHashHex string `json:"sellerPubKeyHash"`
	RefundTxHashHex     string `json:"refundTxHash"`
	RefundSinceHex      string `json:"refundSince"`
}

func (s *server) handleOpenChannel(w http.ResponseWriter, r *http.Request) {
	var req openChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	codeHash, err := decode32(req.CodeHashHex)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "codeHash: " + err.Error()})
		return
	}
	buyerHash, err := decodePubKeyHash(req.BuyerPubKeyHashHex)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "buyerPubKeyHash: " + err.Error()})
		return
	}
	sellerHash, err := decodePubKeyHash(req.SellerPubKeyHashHex)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sellerPubKeyHash: " + err.Error()})
		return
	}
	refundTxHash, err := decode32(req.RefundTxHashHex)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "refundTxHash: " + err.Error()})
		return
	}
	refundSinceRaw, err := hex.DecodeString(req.RefundSinceHex)
	if err != nil || len(refundSinceRaw) != 8 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "refundSince must be 8 bytes hex"})
		return
	}
	var refundSince [8]byte
	copy(refundSince[:], refundSinceRaw)

	offer, err := s.eng.OpenChannel(r.Context(), req.UserID, req.AmountBaseUnits, req.DurationSeconds,
		codeHash, req.HashType, buyerHash, sellerHash, sellerPrivKey, refundTxHash, refundSince)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

type confirmFundingRequest struct {
	ChannelID     string `json:"channelId"`
	FundingTxHash string `json:"fundingTxHash"`
}

func (s *server) handleConfirmFunding(w http.ResponseWriter, r *http.Request) {
	var req confirmFundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.eng.ConfirmFunding(r.Context(), req.ChannelID, req.FundingTxHash); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type streamChunkRequest struct {
	UserID      int64  `json:"userId"`
	SessionID   string `json:"sessionId"`
	TokensCount int64  `json:"tokensCount"`
}

func (s *server) handleStreamChunk(w http.ResponseWriter, r *http.Request) {
	var req streamChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	ev, err := s.eng.StreamChunk(r.Context(), req.UserID, req.SessionID, req.TokensCount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type payChunkRequest struct {
	SessionID       string `json:"sessionId"`
	ChunkID         string `json:"chunkId"`
	SignatureHex    string `json:"signature"`
	BuyerPubKeyHash string `json:"buyerPubKeyHash"`
}

func (s *server) handlePayChunk(w http.ResponseWriter, r *http.Request) {
	var req payChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	sigRaw, err := hex.DecodeString(req.SignatureHex)
	if err != nil || len(sigRaw) != chancrypto.SigSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "signature must be 65 bytes hex"})
		return
	}
	var sig [chancrypto.SigSize]byte
	copy(sig[:], sigRaw)

	pkh, err := decodePubKeyHash(req.BuyerPubKeyHash)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "buyerPubKeyHash: " + err.Error()})
		return
	}

	state, err := s.eng.PayChunk(r.Context(), req.SessionID, req.ChunkID, sig, pkh)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type settleRequest struct {
	ChannelID string `json:"channelId"`
}

func (s *server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	res, err := s.eng.Settle(r.Context(), req.ChannelID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func decodePubKeyHash(s string) (chancrypto.PubKeyHash, error) {
	var out chancrypto.PubKeyHash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != chancrypto.PubKeyHashSize {
		return out, fmt.Errorf("expected %d bytes, got %d", chancrypto.PubKeyHashSize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
