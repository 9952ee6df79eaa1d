package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// codeReader is the part of ethclient.Client the inspector needs.
type codeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// RPCInspector answers IsContract from deployed code, trying each RPC
// endpoint in order. Positive answers are cached since code, once
// deployed, stays.
type RPCInspector struct {
	readers []codeReader
	names   []string
	timeout time.Duration
	log     *logrus.Logger

	mu        sync.RWMutex
	contracts map[common.Address]bool
}

// DialInspector connects to every endpoint that answers. It fails only
// when none does.
func DialInspector(ctx context.Context, endpoints []string, log *logrus.Logger) (*RPCInspector, error) {
	ins := &RPCInspector{timeout: 5 * time.Second, log: log, contracts: make(map[common.Address]bool)}
	for _, ep := range endpoints {
		client, err := ethclient.DialContext(ctx, ep)
		if err != nil {
			log.WithError(err).WithField("endpoint", ep).Warn("⚠️ RPC endpoint unavailable, skipping")
			continue
		}
		ins.readers = append(ins.readers, client)
		ins.names = append(ins.names, ep)
	}
	if len(ins.readers) == 0 {
		return nil, errors.New("custody: no RPC endpoint reachable")
	}
	log.WithField("endpoints", len(ins.readers)).Info("✅ Contract inspector connected")
	return ins, nil
}

func (i *RPCInspector) IsContract(ctx context.Context, addr common.Address) (bool, error) {
	i.mu.RLock()
	cached := i.contracts[addr]
	i.mu.RUnlock()
	if cached {
		return true, nil
	}

	var lastErr error
	for n, r := range i.readers {
		cctx, cancel := context.WithTimeout(ctx, i.timeout)
		code, err := r.CodeAt(cctx, addr, nil)
		cancel()
		if err != nil {
			lastErr = err
			if i.log != nil {
				i.log.WithError(err).WithField("endpoint", i.names[n]).Warn("⚠️ CodeAt failed, trying next endpoint")
			}
			continue
		}
		if len(code) > 0 {
			i.mu.Lock()
			i.contracts[addr] = true
			i.mu.Unlock()
			return true, nil
		}
		return false, nil
	}
	return false, fmt.Errorf("custody: inspect %s: %w", addr.Hex(), lastErr)
}
