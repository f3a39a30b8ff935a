// Package api serves the perpetuals engine over JSON-RPC 2.0.
//
// Callers identify themselves with a "from" parameter. The server does not
// verify signatures and must be deployed behind an authenticating gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/pool"
	"github.com/luxfi/perps/pkg/position"
	"github.com/luxfi/perps/pkg/settings"
)

// Prices supplies the current 1e30 price of a token.
type Prices interface {
	GetLastPrice(token common.Address) (*big.Int, error)
}

// Balances reports token balances.
type Balances interface {
	BalanceOf(token, account common.Address) *big.Int
}

// Checkpointer persists state changed outside the engine journal.
type Checkpointer interface {
	Checkpoint() error
}

// Recorder counts requests. Implemented by metrics.Metrics.
type Recorder interface {
	RecordRPC(method string, err error)
}

// Backend wires the server to the node's components.
type Backend struct {
	Engine       *position.Engine
	Pool         *pool.Pool
	Settings     *settings.Registry
	Prices       Prices
	Balances     Balances
	Checkpointer Checkpointer // optional
	Recorder     Recorder     // optional
}

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	backend Backend
	version string
	started time.Time
	logger  log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(backend Backend, version string, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		backend: backend,
		version: version,
		started: time.Now(),
		logger:  logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server error codes
const (
	ExecutionError = -32000
	Unauthorized   = -32001
	NotFound       = -32002
)

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// toRPCError maps engine errors to response codes.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, access.ErrNotAllowed), errors.Is(err, access.ErrBanned):
		return &RPCError{Code: Unauthorized, Message: err.Error()}
	case errors.Is(err, position.ErrPositionNotFound), errors.Is(err, settings.ErrUnknownToken):
		return &RPCError{Code: NotFound, Message: err.Error()}
	default:
		return &RPCError{Code: ExecutionError, Message: err.Error()}
	}
}

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if s.backend.Recorder != nil {
		s.backend.Recorder.RecordRPC(req.Method, err)
	}
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == InternalError {
			s.logger.Error("rpc failed", "method", req.Method, "err", err)
		} else {
			s.logger.Debug("rpc rejected", "method", req.Method, "err", err)
		}
		s.sendError(w, req.ID, rpcErr)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write response", "method", req.Method, "err", err)
	}
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Order methods
	case "perp_newPositionOrder":
		return s.newPositionOrder(params)
	case "perp_cancelPendingOrder":
		return s.cancelPendingOrder(params)
	case "perp_executeOrders":
		return s.executeOrders(params)
	case "perp_executeOpenMarketOrders":
		return s.executeOpenMarketOrders(params)

	// Position methods
	case "perp_addPosition":
		return s.addPosition(params)
	case "perp_confirmDelayTransaction":
		return s.confirmDelay(params)
	case "perp_cancelDelayTransaction":
		return s.cancelDelay(params)
	case "perp_addOrRemoveCollateral":
		return s.addOrRemoveCollateral(params)
	case "perp_decreasePosition":
		return s.decreasePosition(params)
	case "perp_closePosition":
		return s.closePosition(params)
	case "perp_closePositions":
		return s.closePositions(params)

	// Trigger and trailing methods
	case "perp_addTriggerOrders":
		return s.addTriggerOrders(params)
	case "perp_cancelTriggerOrder":
		return s.cancelTriggerOrder(params)
	case "perp_cancelPositionTrigger":
		return s.cancelPositionTrigger(params)
	case "perp_executeTriggerOrders":
		return s.executeTriggerOrders(params)
	case "perp_addTrailingStop":
		return s.addTrailingStop(params)
	case "perp_updateTrailingStop":
		return s.updateTrailingStop(params)
	case "perp_cancelTrailingStop":
		return s.cancelTrailingStop(params)
	case "perp_executeTrailingStop":
		return s.executeTrailingStop(params)

	// Liquidation methods
	case "perp_registerLiquidatePosition":
		return s.registerLiquidation(params)
	case "perp_liquidatePosition":
		return s.liquidatePosition(params)
	case "perp_validateLiquidation":
		return s.validateLiquidation(params)

	// Pool methods
	case "perp_stake":
		return s.poolOp(params, "stake", s.backend.Pool.Stake)
	case "perp_unstake":
		return s.poolOp(params, "unstake", s.backend.Pool.Unstake)
	case "perp_deposit":
		return s.poolOp(params, "deposit", s.backend.Pool.Deposit)
	case "perp_withdraw":
		return s.poolOp(params, "withdraw", s.backend.Pool.Withdraw)
	case "perp_getPool":
		return s.getPool(params)

	// Views
	case "perp_getPosition":
		return s.getPosition(params)
	case "perp_getAlivePositions":
		return s.getAlivePositions(params)
	case "perp_getPendingOrder":
		return s.getPendingOrder(params)
	case "perp_getPendingOrders":
		return s.getPendingOrders(params)
	case "perp_getTriggerOrders":
		return s.getTriggerOrders(params)
	case "perp_getOpenInterest":
		return s.getOpenInterest(params)
	case "perp_getFunding":
		return s.getFunding(params)
	case "perp_getPrice":
		return s.getPrice(params)
	case "perp_balanceOf":
		return s.balanceOf(params)
	case "perp_getSettings":
		return s.getSettings(params)

	// Info methods
	case "perp_getInfo":
		return s.getInfo(params)
	case "perp_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func (s *JSONRPCServer) checkpoint() {
	if s.backend.Checkpointer == nil {
		return
	}
	if err := s.backend.Checkpointer.Checkpoint(); err != nil {
		s.logger.Error("failed to checkpoint state", "err", err)
	}
}

// Get node info
func (s *JSONRPCServer) getInfo(json.RawMessage) (interface{}, error) {
	tokens := s.backend.Settings.Tokens()
	listed := make([]string, len(tokens))
	for i, t := range tokens {
		listed[i] = t.Hex()
	}
	return map[string]interface{}{
		"version":        s.version,
		"timestamp":      time.Now().Unix(),
		"uptimeSeconds":  int64(time.Since(s.started).Seconds()),
		"tokens":         listed,
		"alivePositions": len(s.backend.Engine.AllAlivePositions()),
		"marketQueue":    len(s.backend.Engine.MarketQueue()),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Serve runs the JSON-RPC server on addr until ctx is done.
func (s *JSONRPCServer) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", s)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("JSON-RPC server started", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
