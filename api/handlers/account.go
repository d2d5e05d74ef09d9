package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/agentmarket/api"
	"github.com/BaSui01/agentmarket/ledger"
	"github.com/BaSui01/agentmarket/store"
	"go.uber.org/zap"
)

// Accounts 余额与流水查询，ledger.Ledger 实现了它
type Accounts interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Entries(ctx context.Context, userID string, limit, offset int) ([]store.Transaction, error)
}

// AccountHandler 当前用户的余额与流水
type AccountHandler struct {
	accounts Accounts
	logger   *zap.Logger
}

func NewAccountHandler(accounts Accounts, logger *zap.Logger) *AccountHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountHandler{accounts: accounts, logger: logger.With(zap.String("component", "account_handler"))}
}

// HandleBalance 返回当前余额
// @Summary 当前余额
// @Tags 账户
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/me/balance [get]
func (h *AccountHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := CallerID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	credits, err := h.accounts.Balance(r.Context(), userID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.BalanceResponse{UserID: userID, Credits: credits})
}

// HandleTransactions 分页返回流水，limit 上限为 ledger.MaxPageSize
// @Summary 账本流水
// @Tags 账户
// @Produce json
// @Param limit query int false "每页条数"
// @Param offset query int false "偏移"
// @Success 200 {object} Response
// @Router /api/v1/me/transactions [get]
func (h *AccountHandler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := CallerID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	limit, err := QueryInt(r, "limit", ledger.DefaultPageSize, ledger.MaxPageSize)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if limit == 0 {
		limit = ledger.DefaultPageSize
	}
	offset, err := QueryInt(r, "offset", 0, 0)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	entries, err := h.accounts.Entries(r.Context(), userID, limit, offset)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.TransactionsResponse{
		Items:  api.NewTransactions(entries),
		Limit:  limit,
		Offset: offset,
	})
}
