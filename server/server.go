// Package server exposes the HTTP surface of a node: lifecycle writes,
// verification, mirror reads and node diagnostics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"

	"github.com/pharmatrace/pharmatrace/ledger"
	service_registry "github.com/pharmatrace/pharmatrace/srvreg"
)

// WebServer handles HTTP requests
type WebServer struct {
	httpAddr        string
	server          *http.Server
	logger          cmtlog.Logger
	node            *nm.Node
	startTime       time.Time
	serviceRegistry *service_registry.ServiceRegistry
	rpcClient       *cmtrpc.Local
}

// TxStatus is the consensus-level status of one committed transaction.
type TxStatus struct {
	TxHash      string `json:"tx_hash"`
	BlockHeight int64  `json:"block_height"`
	Code        uint32 `json:"code"`
	Log         string `json:"log,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Role        string `json:"role,omitempty"`
	BatchID     uint64 `json:"batch_id,omitempty"`
	BatchCode   string `json:"batch_code,omitempty"`
	Status      string `json:"status,omitempty"`
}

// NewWebServer creates a new web server
func NewWebServer(
	httpPort string,
	logger cmtlog.Logger,
	node *nm.Node,
	rpcClient *cmtrpc.Local,
	serviceRegistry *service_registry.ServiceRegistry,
) *WebServer {
	mux := http.NewServeMux()

	server := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:    ":" + httpPort,
			Handler: mux,
		},
		logger:          logger,
		node:            node,
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		rpcClient:       rpcClient,
	}

	// Register routes
	mux.HandleFunc("/", server.handleRoot)
	mux.HandleFunc("/debug", server.handleDebug)
	mux.HandleFunc("/tx/", server.handleTxStatus)
	// Batch lifecycle, verification and mirror reads all dispatch through
	// the service registry
	mux.HandleFunc("/batch", server.handleServiceAPI)
	mux.HandleFunc("/batch/", server.handleServiceAPI)
	mux.HandleFunc("/verify", server.handleServiceAPI)
	mux.HandleFunc("/organizations", server.handleServiceAPI)

	return server
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot handles the root endpoint which shows node status
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || r.URL.Path != "/" {
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/html")

	w.Write([]byte("<h1>PharmaTrace Node</h1>"))
	w.Write([]byte("<p>Node ID: " + string(ws.node.NodeInfo().ID()) + "</p>"))
	rpcPort := extractPortFromAddress(ws.node.Config().RPC.ListenAddress)
	rpcAddrHtml := fmt.Sprintf("<p>RPC Address: <a href=\"http://localhost:%s\">http://localhost:%s</a>", rpcPort, rpcPort)
	w.Write([]byte(rpcAddrHtml))
}

// handleDebug provides debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodeStatus := "online"
	if ws.node.ConsensusReactor().WaitSync() {
		nodeStatus = "syncing"
	}
	if !ws.node.IsListening() {
		nodeStatus = "offline"
	}

	debugInfo := map[string]interface{}{
		"node_id":     string(ws.node.NodeInfo().ID()),
		"node_status": nodeStatus,
		"p2p_address": ws.node.Config().P2P.ListenAddress,
		"rpc_address": ws.node.Config().RPC.ListenAddress,
		"uptime":      time.Since(ws.startTime).String(),
	}

	status, err := ws.rpcClient.Status(context.Background())
	outboundPeers, inboundPeers, dialingPeers := ws.node.Switch().NumPeers()
	debugInfo["num_peers_out"] = outboundPeers
	debugInfo["num_peers_in"] = inboundPeers
	debugInfo["num_peers_dialing"] = dialingPeers
	if err != nil {
		debugInfo["consensus_error"] = err.Error()
	} else {
		debugInfo["latest_block_height"] = status.SyncInfo.LatestBlockHeight
		debugInfo["latest_block_time"] = status.SyncInfo.LatestBlockTime
		debugInfo["catching_up"] = status.SyncInfo.CatchingUp
	}

	abciInfo, err := ws.rpcClient.ABCIInfo(context.Background())
	if err != nil {
		debugInfo["abci_error"] = err.Error()
	} else {
		debugInfo["abci_version"] = abciInfo.Response.Version
		debugInfo["app_version"] = abciInfo.Response.AppVersion
		debugInfo["last_block_height"] = abciInfo.Response.LastBlockHeight
		debugInfo["last_block_app_hash"] = fmt.Sprintf("%X", abciInfo.Response.LastBlockAppHash)
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(debugInfo); err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleTxStatus returns the consensus status of a committed transaction
func (ws *WebServer) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 3 || pathParts[2] == "" {
		JSONError(w, "Invalid transaction hash", http.StatusBadRequest)
		return
	}
	txHash := pathParts[2]

	status, err := ws.lookupTx(r.Context(), txHash)
	if err != nil {
		JSONError(w, "Error checking transaction status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if status == nil {
		JSONError(w, "Transaction not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(status); err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
	}
}

// lookupTx searches the chain for a transaction by hash and decodes the
// envelope plus its result payload.
func (ws *WebServer) lookupTx(ctx context.Context, txHash string) (*TxStatus, error) {
	query := fmt.Sprintf("tx.hash='%s'", txHash)
	res, err := ws.rpcClient.TxSearch(ctx, query, false, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("error searching for transaction: %w", err)
	}
	if len(res.Txs) == 0 {
		return nil, nil
	}

	tx := res.Txs[0]
	status := &TxStatus{
		TxHash:      fmt.Sprintf("%X", tx.Hash),
		BlockHeight: tx.Height,
		Code:        tx.TxResult.Code,
		Log:         tx.TxResult.Log,
	}

	var envelope ledger.Tx
	if err := json.Unmarshal(tx.Tx, &envelope); err == nil {
		status.Kind = string(envelope.Kind)
		status.Actor = envelope.Actor
		status.Role = string(envelope.Role)
	}

	if len(tx.TxResult.Data) > 0 {
		var data ledger.TxData
		if err := json.Unmarshal(tx.TxResult.Data, &data); err == nil {
			status.BatchID = data.BatchID
			status.BatchCode = data.Code
			status.Status = data.Status
		}
	}

	return status, nil
}

// handleServiceAPI dispatches a request through the service registry
func (ws *WebServer) handleServiceAPI(w http.ResponseWriter, r *http.Request) {
	request, err := service_registry.ConvertHttpRequestToServiceRequest(r, "")
	if err != nil {
		JSONError(w, "Failed to convert request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}
	// Derived from the request content, not random bytes: every replica that
	// sees this request computes the same ID.
	request.GenerateRequestID()

	response, err := request.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		JSONError(w, "Failed to generate response: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to generate response", "err", err)
		return
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)
	w.Write([]byte(response.Body))

	ws.logger.Info("=== Req-Res Pair Result ===",
		"path", request.Path,
		"method", request.Method,
		"status", response.StatusCode,
	)
}

// extractPortFromAddress extracts the port from an address string
func extractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
