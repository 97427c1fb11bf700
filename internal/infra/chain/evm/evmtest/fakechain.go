// Package evmtest provides an in-process JSON-RPC node that hosts the bridge
// and verifier contracts, for tests that need a chain end to end.
package evmtest

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/chain/evm"
	"github.com/vietddude/bridge-oracle/internal/infra/rpc"
	"github.com/vietddude/bridge-oracle/internal/infra/signer"
)

// RecordedProof is a proof accepted by the fake verifier.
type RecordedProof struct {
	DID      string
	SrcChain string
	DstChain string
	TxHash   common.Hash
	Amount   *big.Int
	Token    common.Address
	Block    uint64
}

type proofKey struct {
	did, src string
	txHash   common.Hash
}

type receipt struct {
	hash   common.Hash
	block  uint64
	status uint64
}

// FakeChain is a minimal EVM node. All methods are safe for concurrent use.
type FakeChain struct {
	ChainID  uint64
	Bridge   common.Address
	Verifier common.Address

	server *httptest.Server

	mu        sync.Mutex
	head      uint64
	logs      []types.Log
	logIndex  map[uint64]uint
	dids      map[common.Address]string
	proofs    map[proofKey]*RecordedProof
	order     []*RecordedProof
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]receipt
	queued    map[common.Address]map[uint64]*types.Transaction
	failures  map[string]int
	calls     map[string]int
	holdTxs   bool
	reject    string
	sentCount int
}

// NewFakeChain starts a fake node; it is closed when the test server closes.
func NewFakeChain(chainID uint64) *FakeChain {
	fc := &FakeChain{
		ChainID:  chainID,
		Bridge:   common.HexToAddress(fmt.Sprintf("0xb0%038x", chainID)),
		Verifier: common.HexToAddress(fmt.Sprintf("0xc0%038x", chainID)),
		logIndex: make(map[uint64]uint),
		dids:     make(map[common.Address]string),
		proofs:   make(map[proofKey]*RecordedProof),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]receipt),
		queued:   make(map[common.Address]map[uint64]*types.Transaction),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
	fc.server = httptest.NewServer(http.HandlerFunc(fc.serve))
	return fc
}

// URL is the JSON-RPC endpoint.
func (fc *FakeChain) URL() string { return fc.server.URL }

// Close stops the server.
func (fc *FakeChain) Close() { fc.server.Close() }

// SetHead moves the chain head.
func (fc *FakeChain) SetHead(n uint64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.head = n
}

// Head returns the chain head.
func (fc *FakeChain) Head() uint64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.head
}

// RegisterDID makes didOfAddress(addr) return did.
func (fc *FakeChain) RegisterDID(addr common.Address, did string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.dids[addr] = did
}

// FailNext makes the next n calls of method answer HTTP 503.
func (fc *FakeChain) FailNext(method string, n int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.failures[method] = n
}

// HoldReceipts keeps sent transactions unmined (no receipt) while true.
func (fc *FakeChain) HoldReceipts(hold bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.holdTxs = hold
}

// RejectProofs makes the verifier revert every new recordCrossChainProof
// with reason, the way a verifier that does not accept the oracle as signer
// would. An empty reason restores normal behaviour.
func (fc *FakeChain) RejectProofs(reason string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.reject = reason
}

// Queued returns how many transactions of addr wait behind a nonce gap.
func (fc *FakeChain) Queued(addr common.Address) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.queued[addr])
}

// Calls returns how often method was invoked.
func (fc *FakeChain) Calls(method string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.calls[method]
}

// SentTransactions returns how many transactions were mined.
func (fc *FakeChain) SentTransactions() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.sentCount
}

// Proofs returns recorded proofs in recording order.
func (fc *FakeChain) Proofs() []RecordedProof {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]RecordedProof, 0, len(fc.order))
	for _, p := range fc.order {
		out = append(out, *p)
	}
	return out
}

// Nonce returns the next expected nonce of addr.
func (fc *FakeChain) Nonce(addr common.Address) uint64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.nonces[addr]
}

// SetNonce overrides the next expected nonce of addr.
func (fc *FakeChain) SetNonce(addr common.Address, n uint64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.nonces[addr] = n
}

// AddLock appends an AssetLocked log at block and returns it.
func (fc *FakeChain) AddLock(
	block uint64,
	user, token common.Address,
	amount *big.Int,
	targetChain string,
	lockID, txHash common.Hash,
) types.Log {
	ev := evm.BridgeABI().Events[string(domain.EventTypeAssetLocked)]
	data, err := ev.Inputs.NonIndexed().Pack(amount, targetChain)
	if err != nil {
		panic(err)
	}
	return fc.addLog(block, txHash, data, []common.Hash{
		ev.ID,
		common.BytesToHash(user.Bytes()),
		common.BytesToHash(token.Bytes()),
		lockID,
	})
}

// AddUnlock appends an AssetUnlocked log at block and returns it.
func (fc *FakeChain) AddUnlock(
	block uint64,
	user, token common.Address,
	amount *big.Int,
	sourceChain string,
	sourceTxHash, txHash common.Hash,
) types.Log {
	ev := evm.BridgeABI().Events[string(domain.EventTypeAssetUnlocked)]
	data, err := ev.Inputs.NonIndexed().Pack(amount, sourceChain, [32]byte(sourceTxHash))
	if err != nil {
		panic(err)
	}
	return fc.addLog(block, txHash, data, []common.Hash{
		ev.ID,
		common.BytesToHash(user.Bytes()),
		common.BytesToHash(token.Bytes()),
	})
}

// AddRawLog appends an arbitrary log emitted by the bridge address.
func (fc *FakeChain) AddRawLog(block uint64, txHash common.Hash, topics []common.Hash, data []byte) types.Log {
	return fc.addLog(block, txHash, data, topics)
}

func (fc *FakeChain) addLog(block uint64, txHash common.Hash, data []byte, topics []common.Hash) types.Log {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	idx := fc.logIndex[block]
	fc.logIndex[block] = idx + 1
	lg := types.Log{
		Address:     fc.Bridge,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		Index:       idx,
	}
	fc.logs = append(fc.logs, lg)
	if block > fc.head {
		fc.head = block
	}
	return lg
}

type rpcReq struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (fc *FakeChain) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fc.mu.Lock()
	fc.calls[req.Method]++
	if n := fc.failures[req.Method]; n > 0 {
		fc.failures[req.Method] = n - 1
		fc.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	result, rerr := fc.handle(req)
	fc.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rerr != nil {
		resp["error"] = rerr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handle runs with fc.mu held.
func (fc *FakeChain) handle(req rpcReq) (any, *rpcErr) {
	switch req.Method {
	case "eth_blockNumber":
		return hexutil.Uint64(fc.head), nil
	case "eth_gasPrice":
		return (*hexutil.Big)(big.NewInt(1_000_000_000)), nil
	case "eth_getLogs":
		return fc.getLogs(req.Params)
	case "eth_call":
		return fc.call(req.Params)
	case "eth_estimateGas":
		return fc.estimateGas(req.Params)
	case "eth_getTransactionCount":
		var addr common.Address
		if err := param(req.Params, 0, &addr); err != nil {
			return nil, err
		}
		return hexutil.Uint64(fc.nonces[addr]), nil
	case "eth_sendRawTransaction":
		return fc.sendRaw(req.Params)
	case "eth_getTransactionReceipt":
		var hash common.Hash
		if err := param(req.Params, 0, &hash); err != nil {
			return nil, err
		}
		rc, ok := fc.receipts[hash]
		if !ok || fc.holdTxs {
			return nil, nil
		}
		return map[string]any{
			"transactionHash": rc.hash,
			"blockNumber":     hexutil.Uint64(rc.block),
			"gasUsed":         hexutil.Uint64(50_000),
			"status":          hexutil.Uint64(rc.status),
		}, nil
	}
	return nil, &rpcErr{Code: -32601, Message: "method not found: " + req.Method}
}

func param(params []json.RawMessage, i int, out any) *rpcErr {
	if i >= len(params) {
		return &rpcErr{Code: -32602, Message: "missing param"}
	}
	if err := json.Unmarshal(params[i], out); err != nil {
		return &rpcErr{Code: -32602, Message: err.Error()}
	}
	return nil
}

func (fc *FakeChain) getLogs(params []json.RawMessage) (any, *rpcErr) {
	var filter struct {
		FromBlock hexutil.Uint64  `json:"fromBlock"`
		ToBlock   hexutil.Uint64  `json:"toBlock"`
		Address   common.Address  `json:"address"`
		Topics    [][]common.Hash `json:"topics"`
	}
	if err := param(params, 0, &filter); err != nil {
		return nil, err
	}
	if filter.FromBlock > filter.ToBlock {
		return nil, &rpcErr{Code: -32602, Message: "invalid block range"}
	}
	out := make([]types.Log, 0)
	for _, lg := range fc.logs {
		if lg.BlockNumber < uint64(filter.FromBlock) || lg.BlockNumber > uint64(filter.ToBlock) {
			continue
		}
		if lg.Address != filter.Address {
			continue
		}
		if len(filter.Topics) > 0 && len(filter.Topics[0]) > 0 && !containsTopic(filter.Topics[0], lg.Topics) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func containsTopic(want []common.Hash, topics []common.Hash) bool {
	if len(topics) == 0 {
		return false
	}
	for _, w := range want {
		if topics[0] == w {
			return true
		}
	}
	return false
}

type callMsg struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

func (fc *FakeChain) call(params []json.RawMessage) (any, *rpcErr) {
	var msg callMsg
	if err := param(params, 0, &msg); err != nil {
		return nil, err
	}
	if msg.To != fc.Verifier || len(msg.Data) < 4 {
		return hexutil.Bytes{}, nil
	}
	v := evm.VerifierABI()
	method, err := v.MethodById(msg.Data[:4])
	if err != nil {
		return nil, &rpcErr{Code: 3, Message: "execution reverted"}
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, &rpcErr{Code: 3, Message: "execution reverted: bad calldata"}
	}

	var out []byte
	switch method.Name {
	case "didOfAddress":
		out, err = method.Outputs.Pack(fc.dids[args[0].(common.Address)])
	case "recordCrossChainProof":
		p, _ := decodeRecord(msg.Data)
		if rerr := fc.checkRecord(p); rerr != nil {
			return nil, rerr
		}
		out, err = method.Outputs.Pack()
	case "verifyCrossChainProof":
		did, src := args[0].(string), args[1].(string)
		found := false
		for k := range fc.proofs {
			if k.did == did && k.src == src {
				found = true
				break
			}
		}
		out, err = method.Outputs.Pack(found)
	default:
		return nil, &rpcErr{Code: 3, Message: "execution reverted"}
	}
	if err != nil {
		return nil, &rpcErr{Code: -32603, Message: err.Error()}
	}
	return hexutil.Bytes(out), nil
}

// decodeRecord returns the proof carried by recordCrossChainProof calldata.
func decodeRecord(data []byte) (*RecordedProof, bool) {
	if len(data) < 4 {
		return nil, false
	}
	v := evm.VerifierABI()
	method, err := v.MethodById(data[:4])
	if err != nil || method.Name != "recordCrossChainProof" {
		return nil, false
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, false
	}
	return &RecordedProof{
		DID:      args[0].(string),
		SrcChain: args[1].(string),
		DstChain: args[2].(string),
		TxHash:   common.Hash(args[3].([32]byte)),
		Amount:   args[4].(*big.Int),
		Token:    args[5].(common.Address),
	}, true
}

func (p *RecordedProof) key() proofKey {
	return proofKey{did: p.DID, src: p.SrcChain, txHash: p.TxHash}
}

// checkRecord applies the verifier's require checks to a proof write.
func (fc *FakeChain) checkRecord(p *RecordedProof) *rpcErr {
	if p == nil {
		return &rpcErr{Code: 3, Message: "execution reverted: bad calldata"}
	}
	if fc.reject != "" {
		return &rpcErr{Code: 3, Message: "execution reverted: " + fc.reject}
	}
	if _, dup := fc.proofs[p.key()]; dup {
		return &rpcErr{Code: 3, Message: "execution reverted: " + domain.AlreadyRecordedReason}
	}
	return nil
}

func (fc *FakeChain) estimateGas(params []json.RawMessage) (any, *rpcErr) {
	var msg callMsg
	if err := param(params, 0, &msg); err != nil {
		return nil, err
	}
	if msg.To == fc.Verifier {
		if p, ok := decodeRecord(msg.Data); ok {
			if rerr := fc.checkRecord(p); rerr != nil {
				return nil, rerr
			}
		}
	}
	return hexutil.Uint64(100_000), nil
}

func (fc *FakeChain) sendRaw(params []json.RawMessage) (any, *rpcErr) {
	var raw hexutil.Bytes
	if err := param(params, 0, &raw); err != nil {
		return nil, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, &rpcErr{Code: -32602, Message: "invalid transaction: " + err.Error()}
	}
	if _, known := fc.receipts[tx.Hash()]; known {
		return nil, &rpcErr{Code: -32000, Message: "already known"}
	}
	sender, err := types.Sender(types.LatestSignerForChainID(new(big.Int).SetUint64(fc.ChainID)), tx)
	if err != nil {
		return nil, &rpcErr{Code: -32000, Message: "invalid sender"}
	}
	expected := fc.nonces[sender]
	if tx.Nonce() < expected {
		return nil, &rpcErr{
			Code:    -32000,
			Message: fmt.Sprintf("nonce too low: next nonce %d, tx nonce %d", expected, tx.Nonce()),
		}
	}
	if tx.Nonce() > expected {
		// Like geth, a future nonce is accepted into the queue and waits
		// there, unmined, until the gap before it is filled.
		if fc.queued[sender] == nil {
			fc.queued[sender] = make(map[uint64]*types.Transaction)
		}
		fc.queued[sender][tx.Nonce()] = tx
		return tx.Hash(), nil
	}
	fc.mine(sender, tx)
	for {
		next, ok := fc.queued[sender][fc.nonces[sender]]
		if !ok {
			break
		}
		delete(fc.queued[sender], next.Nonce())
		fc.mine(sender, next)
	}
	return tx.Hash(), nil
}

// mine executes tx in a new block. Called with fc.mu held.
func (fc *FakeChain) mine(sender common.Address, tx *types.Transaction) {
	fc.nonces[sender] = tx.Nonce() + 1
	fc.sentCount++
	fc.head++

	status := uint64(1)
	if tx.To() != nil && *tx.To() == fc.Verifier {
		p, ok := decodeRecord(tx.Data())
		switch {
		case !ok:
			status = 0
		case fc.checkRecord(p) != nil:
			status = 0
		default:
			p.Block = fc.head
			fc.proofs[p.key()] = p
			fc.order = append(fc.order, p)
		}
	}
	fc.receipts[tx.Hash()] = receipt{hash: tx.Hash(), block: fc.head, status: status}
}

// Endpoint describes the fake node as chain id.
func (fc *FakeChain) Endpoint(id domain.ChainID) domain.ChainEndpoint {
	return domain.ChainEndpoint{
		ID:                 id,
		RPCURL:             fc.URL(),
		NumericChainID:     fc.ChainID,
		BridgeAddress:      fc.Bridge,
		VerifierAddress:    fc.Verifier,
		LastProcessedBlock: domain.NoBlockProcessed,
	}
}

// Chain returns an evm.Chain bound to the fake node with millisecond retries.
func (fc *FakeChain) Chain(id domain.ChainID, s signer.Signer) *evm.Chain {
	client := rpc.NewClient(id, []rpc.RPCProvider{
		rpc.NewHTTPProvider(string(id)+"-fake", fc.URL(), 2*time.Second),
	}, rpc.RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BackoffMultiple: 2,
	})
	return evm.NewChain(fc.Endpoint(id), evm.NewClient(id, client, s, evm.Config{
		NumericChainID:      fc.ChainID,
		ReceiptPollInterval: 10 * time.Millisecond,
	}))
}
