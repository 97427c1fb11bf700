package evm

import (
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

//go:embed abi/Bridge.json
var bridgeABIJSON []byte

//go:embed abi/Verifier.json
var verifierABIJSON []byte

var (
	bridgeABI    abi.ABI
	verifierABI  abi.ABI
	parseABIOnce sync.Once
	errParseABI  error
)

// ErrUnknownEvent is returned for logs that are not bridge events.
var ErrUnknownEvent = errors.New("unknown bridge event")

func loadABIs() (abi.ABI, abi.ABI, error) {
	parseABIOnce.Do(func() {
		bridgeABI, errParseABI = abi.JSON(strings.NewReader(string(bridgeABIJSON)))
		if errParseABI != nil {
			errParseABI = fmt.Errorf("parse bridge abi: %w", errParseABI)
			return
		}
		verifierABI, errParseABI = abi.JSON(strings.NewReader(string(verifierABIJSON)))
		if errParseABI != nil {
			errParseABI = fmt.Errorf("parse verifier abi: %w", errParseABI)
		}
	})
	return bridgeABI, verifierABI, errParseABI
}

// BridgeABI returns the parsed bridge contract ABI.
func BridgeABI() abi.ABI {
	b, _, err := loadABIs()
	if err != nil {
		panic(err)
	}
	return b
}

// VerifierABI returns the parsed verifier contract ABI.
func VerifierABI() abi.ABI {
	_, v, err := loadABIs()
	if err != nil {
		panic(err)
	}
	return v
}

// BridgeEventTopics returns the topic0 values of the events the watcher follows.
func BridgeEventTopics() []common.Hash {
	b := BridgeABI()
	return []common.Hash{
		b.Events[string(domain.EventTypeAssetLocked)].ID,
		b.Events[string(domain.EventTypeAssetUnlocked)].ID,
	}
}

// DecodeBridgeLog turns a bridge log into a ChainEvent.
func DecodeBridgeLog(chainID domain.ChainID, lg types.Log) (domain.ChainEvent, error) {
	if len(lg.Topics) == 0 {
		return domain.ChainEvent{}, ErrUnknownEvent
	}
	b := BridgeABI()
	ev, err := b.EventByID(lg.Topics[0])
	if err != nil {
		return domain.ChainEvent{}, ErrUnknownEvent
	}

	fields := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := b.UnpackIntoMap(fields, ev.Name, lg.Data); err != nil {
			return domain.ChainEvent{}, fmt.Errorf("unpack %s data: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return domain.ChainEvent{}, fmt.Errorf("parse %s topics: %w", ev.Name, err)
	}

	user, ok1 := fields["user"].(common.Address)
	token, ok2 := fields["token"].(common.Address)
	amount, ok3 := fields["amount"].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return domain.ChainEvent{}, fmt.Errorf("malformed %s fields", ev.Name)
	}

	switch domain.EventType(ev.Name) {
	case domain.EventTypeAssetLocked:
		target, ok := fields["targetChain"].(string)
		lockID, ok2 := fields["lockId"].([32]byte)
		if !ok || !ok2 {
			return domain.ChainEvent{}, fmt.Errorf("malformed %s fields", ev.Name)
		}
		return domain.ChainEvent{
			Type: domain.EventTypeAssetLocked,
			Lock: &domain.LockEvent{
				SourceChainID:     chainID,
				TargetChainID:     domain.ChainID(target),
				UserAddress:       user,
				TokenAddress:      token,
				Amount:            amount,
				LockID:            common.Hash(lockID),
				SourceTxHash:      lg.TxHash,
				SourceBlockNumber: lg.BlockNumber,
				LogIndex:          lg.Index,
			},
		}, nil

	case domain.EventTypeAssetUnlocked:
		source, ok := fields["sourceChain"].(string)
		srcTx, ok2 := fields["sourceTxHash"].([32]byte)
		if !ok || !ok2 {
			return domain.ChainEvent{}, fmt.Errorf("malformed %s fields", ev.Name)
		}
		return domain.ChainEvent{
			Type: domain.EventTypeAssetUnlocked,
			Unlock: &domain.UnlockEvent{
				ChainID:       chainID,
				SourceChainID: domain.ChainID(source),
				UserAddress:   user,
				TokenAddress:  token,
				Amount:        amount,
				SourceTxHash:  common.Hash(srcTx),
				TxHash:        lg.TxHash,
				BlockNumber:   lg.BlockNumber,
				LogIndex:      lg.Index,
			},
		}, nil
	}
	return domain.ChainEvent{}, ErrUnknownEvent
}

// PackDIDOf encodes didOfAddress(account).
func PackDIDOf(account common.Address) ([]byte, error) {
	return VerifierABI().Pack("didOfAddress", account)
}

// UnpackDIDOf decodes the didOfAddress return value.
func UnpackDIDOf(out []byte) (string, error) {
	vals, err := VerifierABI().Unpack("didOfAddress", out)
	if err != nil {
		return "", fmt.Errorf("unpack didOfAddress: %w", err)
	}
	if len(vals) != 1 {
		return "", fmt.Errorf("unpack didOfAddress: got %d values", len(vals))
	}
	did, ok := vals[0].(string)
	if !ok {
		return "", fmt.Errorf("unpack didOfAddress: unexpected type %T", vals[0])
	}
	return did, nil
}

// PackRecordProof encodes recordCrossChainProof for p.
func PackRecordProof(p domain.CrossChainProof) ([]byte, error) {
	amount := p.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	return VerifierABI().Pack(
		"recordCrossChainProof",
		p.UserDID,
		string(p.SourceChainID),
		string(p.TargetChainID),
		[32]byte(p.SourceTxHash),
		amount,
		p.TokenAddress,
	)
}

// PackVerifyProof encodes verifyCrossChainProof(did, srcChain).
func PackVerifyProof(did string, src domain.ChainID) ([]byte, error) {
	return VerifierABI().Pack("verifyCrossChainProof", did, string(src))
}

// UnpackVerifyProof decodes the verifyCrossChainProof return value.
func UnpackVerifyProof(out []byte) (bool, error) {
	vals, err := VerifierABI().Unpack("verifyCrossChainProof", out)
	if err != nil {
		return false, fmt.Errorf("unpack verifyCrossChainProof: %w", err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("unpack verifyCrossChainProof: got %d values", len(vals))
	}
	ok, isBool := vals[0].(bool)
	if !isBool {
		return false, fmt.Errorf("unpack verifyCrossChainProof: unexpected type %T", vals[0])
	}
	return ok, nil
}
