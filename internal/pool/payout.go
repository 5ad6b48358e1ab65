package pool

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"stratumd/internal/block"
	"stratumd/internal/database"
	"stratumd/internal/metrics"
	"stratumd/internal/node"
)

// errSkipCycle aborts a payout cycle without noise; the next tick retries.
var errSkipCycle = errors.New("payout cycle skipped")

// RunPayout periodically settles unpaid shares by batching a sendmany
// through the node wallet. Only meaningful in "transaction" payout mode.
func (p *Pool) RunPayout(ctx context.Context) {
	if p.cfg.PayoutMethod != "transaction" {
		p.log.Info("payout scheduler disabled: coinbase mode pays through block rewards")
		return
	}
	p.log.Info("payout scheduler started")
	ticker := time.NewTicker(time.Duration(p.cfg.Payout.CheckSpanSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := p.payoutCycle(ctx); err != nil && !errors.Is(err, errSkipCycle) {
			p.log.WithError(err).Error("payout cycle failed")
		}
	}
}

// payoutCycle walks mined shares newest first, totals the matured rewards,
// splits them over unpaid shares, sends, and marks the window paid in one
// transaction. Any failure leaves the share table untouched.
func (p *Pool) payoutCycle(ctx context.Context) error {
	info, err := p.node.ChainInfo(ctx)
	if err != nil {
		return fmt.Errorf("chain info: %w", err)
	}
	best, _ := info["best"].(map[string]interface{})
	bestHeight, ok := best["height"].(float64)
	if !ok {
		return fmt.Errorf("chain info: missing best height")
	}

	mined, err := p.db.LatestMinedShares()
	if err != nil {
		return fmt.Errorf("mined shares: %w", err)
	}

	var (
		totalMined uint64
		blockCount int
		end        float64
		endSet     bool
	)
	for _, share := range mined {
		display := block.ReverseBytes(append([]byte(nil), share.Blockhash...))
		blk, err := p.node.BlockByHash(ctx, hex.EncodeToString(display))
		if err != nil {
			p.log.WithError(err).Debug("block lookup failed, likely orphaned")
			continue
		}
		height, _ := blk["height"].(float64)
		if bestHeight-float64(p.cfg.Payout.MinConfirm) < height {
			continue // not matured yet
		}
		if !endSet {
			end = share.Time
			endSet = true
		}
		if orphan, _ := blk["f_orphan"].(bool); orphan {
			continue
		}
		amount, err := coinbaseReward(blk)
		if err != nil {
			p.log.WithError(err).Warn("unreadable coinbase reward")
			continue
		}
		totalMined += amount
		blockCount++
	}

	totalSend := uint64(float64(totalMined) * (1 - p.cfg.Payout.OwnerFee))
	if totalSend < p.cfg.Payout.MinAmount {
		p.log.WithFields(map[string]interface{}{
			"mined": totalMined, "blocks": blockCount,
		}).Info("mined amount below payout threshold")
		return errSkipCycle
	}
	if !endSet {
		return errSkipCycle
	}

	begin, err := p.db.LastUnpaidTime()
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errSkipCycle
		}
		return fmt.Errorf("last unpaid time: %w", err)
	}

	accounts, err := p.db.DistinctAccounts(begin, end)
	if err != nil {
		return fmt.Errorf("related accounts: %w", err)
	}
	accountShares := make(map[int64]float64, len(accounts))
	var totalShare float64
	for _, id := range accounts {
		share, err := p.db.AccountUnpaidShares(begin, end, id)
		if err != nil {
			return fmt.Errorf("account shares: %w", err)
		}
		accountShares[id] = share
		totalShare += share
	}
	if totalShare <= 0 {
		return errSkipCycle
	}

	var (
		pairs        []node.PayPair
		paidAccounts []int64
	)
	for _, id := range accounts {
		amount := uint64(float64(totalSend) * accountShares[id] / totalShare)
		if amount <= p.cfg.Payout.IgnoreAmount {
			continue
		}
		address, err := p.db.AccountAddress(id)
		if err != nil {
			return fmt.Errorf("account address: %w", err)
		}
		pairs = append(pairs, node.PayPair{Address: address, CoinID: 0, Amount: amount})
		paidAccounts = append(paidAccounts, id)
	}
	if len(pairs) == 0 {
		p.log.Info("no accounts above the payout ignore threshold")
		return errSkipCycle
	}

	txhashHex, err := p.node.SendMany(ctx, pairs)
	if err != nil {
		return fmt.Errorf("sendmany: %w", err)
	}
	txhash, err := hex.DecodeString(txhashHex)
	if err != nil {
		return fmt.Errorf("sendmany hash %q: %w", txhashHex, err)
	}

	var payoutID int64
	err = p.db.WithTx(func(tx *sqlx.Tx) error {
		var err error
		payoutID, err = database.InsertPayout(tx, txhash, totalSend, begin, end)
		if err != nil {
			return err
		}
		_, err = database.UpdateSharesAsPaid(tx, begin, end, payoutID, paidAccounts)
		return err
	})
	if err != nil {
		return fmt.Errorf("record payout: %w", err)
	}

	metrics.PayoutsSent.Inc()
	metrics.PayoutAmount.Add(float64(totalSend))
	p.log.WithFields(map[string]interface{}{
		"payout": payoutID, "amount": totalSend, "recipients": len(pairs), "tx": txhashHex,
	}).Info("payout settled")
	return nil
}

// coinbaseReward reads the first output amount of a block's coinbase.
func coinbaseReward(blk map[string]interface{}) (uint64, error) {
	txs, _ := blk["txs"].([]interface{})
	if len(txs) == 0 {
		return 0, fmt.Errorf("block has no transactions")
	}
	coinbase, _ := txs[0].(map[string]interface{})
	outputs, _ := coinbase["outputs"].([]interface{})
	if len(outputs) == 0 {
		return 0, fmt.Errorf("coinbase has no outputs")
	}
	triple, _ := outputs[0].([]interface{})
	if len(triple) != 3 {
		return 0, fmt.Errorf("malformed coinbase output")
	}
	amount, ok := triple[2].(float64)
	if !ok {
		return 0, fmt.Errorf("malformed coinbase amount")
	}
	return uint64(amount), nil
}

// RunCleanup deletes expired subscriptions and shares on a daily cadence.
func (p *Pool) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := p.db.Cleanup(p.cfg.ShareRetention())
		if err != nil {
			p.log.WithError(err).Error("database cleanup failed")
			continue
		}
		if n > 0 {
			p.log.WithField("rows", n).Info("expired rows removed")
		}
	}
}
