package wallet

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/apperr"
	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/httpapi"
	"github.com/agentbazaar/backend/internal/middleware"
	"github.com/agentbazaar/backend/internal/models"
)

type Handler struct {
	cfg config.Config
	svc *Service
	log *slog.Logger
}

func NewHandler(cfg config.Config, svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, svc: svc, log: log}
}

// ownAgent gates every wallet route on the authenticated owner.
func (h *Handler) ownAgent(r *http.Request) (uuid.UUID, error) {
	agentID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid agent id")
	}
	caller := middleware.AgentFromCtx(r.Context())
	if caller == nil {
		return uuid.Nil, apperr.AuthFailed
	}
	if caller.AgentID != agentID {
		return uuid.Nil, apperr.Forbidden("can only access own wallet")
	}
	return agentID, nil
}

// DepositAddress handles GET /agents/{id}/wallet/deposit-address.
func (h *Handler) DepositAddress(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.ownAgent(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	addr, err := h.svc.DepositAddress(r.Context(), agentID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"agent_id":      agentID.String(),
		"address":       addr.Address,
		"network":       h.cfg.BlockchainNetwork,
		"usdc_contract": h.cfg.USDCContractAddress,
		"min_deposit":   h.cfg.MinDepositAmount.StringFixed(2),
	})
}

type depositNotifyRequest struct {
	TxHash string `json:"tx_hash"`
}

type depositResponse struct {
	DepositTxID   string     `json:"deposit_tx_id"`
	TxHash        string     `json:"tx_hash"`
	AmountUSDC    string     `json:"amount_usdc"`
	AmountCredits string     `json:"amount_credits"`
	Confirmations int64      `json:"confirmations"`
	Status        string     `json:"status"`
	DetectedAt    time.Time  `json:"detected_at"`
	CreditedAt    *time.Time `json:"credited_at,omitempty"`
}

func toDepositResponse(d *models.DepositTransaction) depositResponse {
	return depositResponse{
		DepositTxID:   d.DepositTxID.String(),
		TxHash:        d.TxHash,
		AmountUSDC:    d.AmountUSDC.StringFixed(6),
		AmountCredits: d.AmountCredits.StringFixed(2),
		Confirmations: d.Confirmations,
		Status:        string(d.Status),
		DetectedAt:    d.DetectedAt,
		CreditedAt:    d.CreditedAt,
	}
}

// NotifyDeposit handles POST /agents/{id}/wallet/deposit-notify.
func (h *Handler) NotifyDeposit(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.ownAgent(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	var req depositNotifyRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	if req.TxHash == "" {
		httpapi.WriteError(w, h.log, apperr.Schema("tx_hash is required"))
		return
	}
	deposit, err := h.svc.NotifyDeposit(r.Context(), agentID, req.TxHash)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	resp := toDepositResponse(deposit)
	httpapi.WriteJSON(w, http.StatusCreated, struct {
		depositResponse
		ConfirmationsRequired int64 `json:"confirmations_required"`
	}{resp, h.cfg.DepositConfirmations})
}

type withdrawRequest struct {
	Amount             string `json:"amount"`
	DestinationAddress string `json:"destination_address"`
}

type withdrawalResponse struct {
	WithdrawalID       string     `json:"withdrawal_id"`
	Amount             string     `json:"amount"`
	Fee                string     `json:"fee"`
	NetPayout          string     `json:"net_payout"`
	DestinationAddress string     `json:"destination_address"`
	Status             string     `json:"status"`
	TxHash             *string    `json:"tx_hash,omitempty"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	RequestedAt        time.Time  `json:"requested_at"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`
}

func toWithdrawalResponse(wd *models.WithdrawalRequest) withdrawalResponse {
	return withdrawalResponse{
		WithdrawalID:       wd.WithdrawalID.String(),
		Amount:             wd.Amount.StringFixed(2),
		Fee:                wd.Fee.StringFixed(2),
		NetPayout:          wd.NetPayout.StringFixed(2),
		DestinationAddress: wd.DestinationAddress,
		Status:             string(wd.Status),
		TxHash:             wd.TxHash,
		ErrorMessage:       wd.ErrorMessage,
		RequestedAt:        wd.RequestedAt,
		ProcessedAt:        wd.ProcessedAt,
	}
}

// Withdraw handles POST /agents/{id}/wallet/withdraw.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.ownAgent(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	var req withdrawRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Schema("amount must be a decimal string"))
		return
	}
	withdrawal, err := h.svc.RequestWithdrawal(r.Context(), agentID, amount, req.DestinationAddress)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, toWithdrawalResponse(withdrawal))
}

// Transactions handles GET /agents/{id}/wallet/transactions.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.ownAgent(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	deposits, err := h.svc.DepositHistory(r.Context(), agentID)
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Wrap(apperr.KindDependency, "deposit history", err))
		return
	}
	withdrawals, err := h.svc.WithdrawalHistory(r.Context(), agentID)
	if err != nil {
		httpapi.WriteError(w, h.log, apperr.Wrap(apperr.KindDependency, "withdrawal history", err))
		return
	}
	depOut := make([]depositResponse, len(deposits))
	for i, d := range deposits {
		depOut[i] = toDepositResponse(d)
	}
	wdOut := make([]withdrawalResponse, len(withdrawals))
	for i, wd := range withdrawals {
		wdOut[i] = toWithdrawalResponse(wd)
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"deposits":    depOut,
		"withdrawals": wdOut,
	})
}

// Balance handles GET /agents/{id}/wallet/balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.ownAgent(r)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	balance, available, pending, err := h.svc.Balances(r.Context(), agentID)
	if err != nil {
		httpapi.WriteError(w, h.log, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{
		"agent_id":            agentID.String(),
		"balance":             balance.StringFixed(2),
		"available_balance":   available.StringFixed(2),
		"pending_withdrawals": pending.StringFixed(2),
	})
}
