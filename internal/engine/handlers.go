package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ovx/options-engine/internal/model"
	"github.com/ovx/options-engine/internal/oracle"
	"github.com/ovx/options-engine/internal/store"
)

// adminKeyHeader carries the admin credential on lifecycle and fee routes.
const adminKeyHeader = "X-Admin-Key"

// Routes mounts the engine's HTTP API on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.handleListMarkets)
	r.Post("/markets", s.handleCreateMarket)
	r.Get("/markets/{ix}", s.handleGetMarket)
	r.Delete("/markets/{ix}", s.handleCloseMarket)
	r.Put("/markets/{ix}/volatility", s.handleUpdateVolatility)
	r.Post("/markets/{ix}/fees/withdraw", s.handleSweepFees)
	r.Get("/markets/{ix}/ledger", s.handleMarketLedger)

	r.Post("/markets/{ix}/deposit", s.handleDeposit)
	r.Post("/markets/{ix}/withdraw", s.handleWithdraw)

	r.Post("/markets/{ix}/quote", s.handleQuote)
	r.Post("/markets/{ix}/options", s.handleBuy)
	r.Post("/markets/{ix}/options/{optionID}/exercise", s.handleExercise)
	r.Post("/markets/{ix}/expire", s.handleExpireSweep)

	r.Post("/accounts", s.handleCreateAccount)
	r.Get("/accounts/{userID}", s.handleGetAccount)
}

func marketIx(r *http.Request) (uint16, error) {
	ix, err := strconv.ParseUint(chi.URLParam(r, "ix"), 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(ix), nil
}

type createMarketRequest struct {
	Ix            uint16           `json:"ix"`
	Name          string           `json:"name"`
	FeeBps        int64            `json:"fee_bps"`
	PriceFeed     string           `json:"price_feed"`
	AssetDecimals int32            `json:"asset_decimals"`
	ShareScale    int64            `json:"share_scale,omitempty"`
	VolatilityBps map[string]int64 `json:"volatility_bps"`
}

func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	vols := make(map[model.ExpiryBucket]int64, len(req.VolatilityBps))
	for b, v := range req.VolatilityBps {
		bucket, err := model.ParseExpiryBucket(b)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		vols[bucket] = v
	}

	m, err := s.CreateMarket(r.Context(), r.Header.Get(adminKeyHeader), CreateMarketParams{
		Ix:            req.Ix,
		Name:          req.Name,
		FeeBps:        req.FeeBps,
		PriceFeed:     req.PriceFeed,
		AssetDecimals: req.AssetDecimals,
		ShareScale:    req.ShareScale,
		VolatilityBps: vols,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, m)
}

func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, markets)
}

func (s *Service) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}
	m, err := s.GetMarket(r.Context(), ix)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Service) handleCloseMarket(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}
	res, err := s.CloseMarket(r.Context(), r.Header.Get(adminKeyHeader), ix)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type updateVolatilityRequest struct {
	VolatilityBps map[string]int64 `json:"volatility_bps"`
}

func (s *Service) handleUpdateVolatility(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}

	var req updateVolatilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	vols := make(map[model.ExpiryBucket]int64, len(req.VolatilityBps))
	for b, v := range req.VolatilityBps {
		bucket, err := model.ParseExpiryBucket(b)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		vols[bucket] = v
	}

	m, err := s.UpdateVolatility(r.Context(), r.Header.Get(adminKeyHeader), ix, vols)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Service) handleSweepFees(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}
	swept, err := s.SweepFees(r.Context(), r.Header.Get(adminKeyHeader), ix)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"fees_paid": swept.String()})
}

func (s *Service) handleMarketLedger(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}
	entries, err := s.MarketLedger(r.Context(), ix)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

type createAccountRequest struct {
	UserID string `json:"user_id"`
}

func (s *Service) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	acct, err := s.CreateAccount(r.Context(), req.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, acct)
}

func (s *Service) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acct)
}

type depositRequest struct {
	UserID       string `json:"user_id"`
	Amount       string `json:"amount"`
	MinSharesOut string `json:"min_shares_out,omitempty"`
}

func (s *Service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, "amount must be a decimal string", http.StatusBadRequest)
		return
	}
	minShares, err := optionalDecimal(req.MinSharesOut)
	if err != nil {
		writeError(w, "min_shares_out must be a decimal string", http.StatusBadRequest)
		return
	}

	res, err := s.Deposit(r.Context(), ix, req.UserID, amount, minShares)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type withdrawRequest struct {
	UserID       string `json:"user_id"`
	LpToBurn     string `json:"lp_to_burn"`
	MinAmountOut string `json:"min_amount_out,omitempty"`
}

func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	lpToBurn, err := decimal.NewFromString(req.LpToBurn)
	if err != nil {
		writeError(w, "lp_to_burn must be a decimal string", http.StatusBadRequest)
		return
	}
	minOut, err := optionalDecimal(req.MinAmountOut)
	if err != nil {
		writeError(w, "min_amount_out must be a decimal string", http.StatusBadRequest)
		return
	}

	res, err := s.Withdraw(r.Context(), ix, req.UserID, lpToBurn, minOut)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type buyRequest struct {
	UserID       string `json:"user_id"`
	Type         string `json:"type"`
	Quantity     string `json:"quantity"`
	Bucket       string `json:"bucket"`
	StrikeUSD    string `json:"strike_usd,omitempty"`
	DeviationBps *int64 `json:"deviation_bps,omitempty"`
}

func (r buyRequest) params() (BuyParams, error) {
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return BuyParams{}, errors.New("quantity must be a decimal string")
	}
	p := BuyParams{
		Type:         model.OptionType(r.Type),
		Quantity:     qty,
		Bucket:       model.ExpiryBucket(r.Bucket),
		DeviationBps: r.DeviationBps,
	}
	if r.StrikeUSD != "" {
		if r.DeviationBps != nil {
			return BuyParams{}, errors.New("strike_usd and deviation_bps are mutually exclusive")
		}
		p.StrikeUSD, err = decimal.NewFromString(r.StrikeUSD)
		if err != nil {
			return BuyParams{}, errors.New("strike_usd must be a decimal string")
		}
	} else if r.DeviationBps == nil {
		return BuyParams{}, errors.New("either strike_usd or deviation_bps is required")
	}
	return p, nil
}

func (s *Service) handleBuy(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}

	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.Buy(r.Context(), ix, req.UserID, params)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Service) handleQuote(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}

	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.Quote(r.Context(), ix, params)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type exerciseRequest struct {
	UserID string `json:"user_id"`
}

func (s *Service) handleExercise(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}
	optionID, err := strconv.Atoi(chi.URLParam(r, "optionID"))
	if err != nil {
		writeError(w, "invalid option id", http.StatusBadRequest)
		return
	}

	var req exerciseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.Exercise(r.Context(), ix, req.UserID, optionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Service) handleExpireSweep(w http.ResponseWriter, r *http.Request) {
	ix, err := marketIx(r)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return
	}
	res, err := s.ExpireSweep(r.Context(), ix)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// writeEngineError maps engine sentinel errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		writeError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, ErrNotFound), errors.Is(err, oracle.ErrFeedNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrCannotWithdraw),
		errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrInsufficientCollateral),
		errors.Is(err, ErrOptionSlotsFull),
		errors.Is(err, ErrAlreadyCleared),
		errors.Is(err, ErrExerciseOverdue),
		errors.Is(err, ErrMarketNotQuiescent),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, store.ErrMarketExists):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrStaleOracle):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
