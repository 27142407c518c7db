// Package sweep moves funded deposits into the treasury: it promotes pending
// deposits that received funds, deploys their proxies in one batch and calls
// transferFunds on every deployed proxy.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/juno-intents/deposit-router/internal/blobstore"
	"github.com/juno-intents/deposit-router/internal/create2"
	"github.com/juno-intents/deposit-router/internal/deposit"
	"github.com/juno-intents/deposit-router/internal/leases"
)

const (
	LeaseName = "deposit-sweep"

	defaultLeaseTTL           = 10 * time.Minute
	defaultBalanceConcurrency = 8
	releaseTimeout            = 5 * time.Second
)

var ErrInvalidConfig = errors.New("sweep: invalid config")

// Gateway is the chain access a sweep needs. DeployMultiple and TransferFunds
// block until the transaction is mined and fail if it reverted.
type Gateway interface {
	Balance(ctx context.Context, address [20]byte) (*big.Int, error)
	DeployMultiple(ctx context.Context, salts [][32]byte) ([32]byte, error)
	TransferFunds(ctx context.Context, proxy [20]byte) ([32]byte, error)
}

// CompletedNotifier is told about every sweep that did work.
type CompletedNotifier interface {
	SweepCompleted(ctx context.Context, s Summary) error
}

type Config struct {
	// Owner identifies this process in the sweep lease.
	Owner    string
	LeaseTTL time.Duration

	BalanceConcurrency int

	Now func() time.Time
}

type Sweeper struct {
	cfg     Config
	ledger  deposit.Ledger
	gateway Gateway
	guard   *leases.Guard

	events  CompletedNotifier
	archive blobstore.Store

	log *slog.Logger

	// Serializes sweeps inside one process; the lease covers the cluster.
	mu sync.Mutex
}

func New(cfg Config, ledger deposit.Ledger, gateway Gateway, leaseStore leases.Store, log *slog.Logger) (*Sweeper, error) {
	if ledger == nil || gateway == nil || leaseStore == nil {
		return nil, fmt.Errorf("%w: nil ledger/gateway/lease store", ErrInvalidConfig)
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.BalanceConcurrency <= 0 {
		cfg.BalanceConcurrency = defaultBalanceConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	guard, err := leases.NewGuard(leaseStore, LeaseName, cfg.Owner, cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Sweeper{
		cfg:     cfg,
		ledger:  ledger,
		gateway: gateway,
		guard:   guard,
		log:     log,
	}, nil
}

// WithEvents publishes a completion event after each sweep that did work.
func (s *Sweeper) WithEvents(n CompletedNotifier) *Sweeper {
	s.events = n
	return s
}

// WithArchive stores each sweep summary that did work under ReportKey.
func (s *Sweeper) WithArchive(store blobstore.Store) *Sweeper {
	s.archive = store
	return s
}

// Run performs one sweep. The error is non-nil only when the lease store
// could not be reached; every other failure is listed in Summary.Errors.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := newSummary(s.now())

	holder, ok, err := s.guard.Acquire(ctx)
	if err != nil {
		sum.addError("acquire sweep lease: %v", err)
		sum.FinishedAt = s.now()
		return sum, fmt.Errorf("sweep: acquire lease: %w", err)
	}
	if !ok {
		sum.Skipped = true
		sum.addError("sweep already running on %s until %s", holder.Owner, holder.ExpiresAt.UTC().Format(time.RFC3339))
		sum.FinishedAt = s.now()
		s.log.Info("sweep skipped", "lease", s.guard.Name(), "owner", s.guard.Owner(), "holder", holder.Owner, "expires_at", holder.ExpiresAt)
		return sum, nil
	}
	defer s.release(ctx)
	stopRenewing := s.renewLease(ctx)
	defer stopRenewing()

	s.sweep(ctx, &sum)
	sum.FinishedAt = s.now()

	s.log.Info("sweep finished",
		"checked", sum.Checked,
		"funded", sum.Funded,
		"deployed", sum.Deployed,
		"routed", sum.Routed,
		"retried", sum.Retried,
		"errors", len(sum.Errors),
	)
	if sum.Checked+sum.Retried > 0 {
		s.report(ctx, sum)
	}
	return sum, nil
}

func (s *Sweeper) sweep(ctx context.Context, sum *Summary) {
	candidates, err := s.ledger.ListByStatuses(ctx, deposit.StatusPending, deposit.StatusFunded, deposit.StatusDeployed)
	if err != nil {
		s.log.Error("list sweep candidates", "err", err)
		sum.addError("list deposits: %v", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	// Deployed deposits are left over from a transfer that failed in an
	// earlier sweep. They only take part in the transfer step.
	var pending, stranded []int
	previouslyFunded := 0
	for i, d := range candidates {
		switch d.Status {
		case deposit.StatusPending:
			pending = append(pending, i)
		case deposit.StatusFunded:
			previouslyFunded++
		case deposit.StatusDeployed:
			stranded = append(stranded, i)
		}
	}
	sum.Checked = len(pending) + previouslyFunded
	sum.Retried = len(stranded)

	balances := s.balances(ctx, candidates, pending, sum)

	newlyFunded := 0
	for _, i := range pending {
		bal := balances[i]
		if bal == nil || bal.Sign() <= 0 {
			continue
		}
		if s.advance(ctx, sum, &candidates[i], deposit.Status.MarkFunded, func(d deposit.Deposit) error {
			return s.ledger.UpdateStatus(ctx, d.Address, d.Status)
		}) {
			newlyFunded++
			s.log.Info("deposit funded", "deposit", create2.FormatAddress(candidates[i].Address), "balance_wei", bal.String())
		}
	}
	sum.Funded = previouslyFunded + newlyFunded

	// Candidates are oldest first, so the batch keeps creation order.
	var (
		batch []*deposit.Deposit
		salts [][32]byte
	)
	for i := range candidates {
		d := &candidates[i]
		if d.Status != deposit.StatusFunded {
			continue
		}
		salt, err := d.UserSalt()
		if err != nil {
			s.log.Warn("invalid stored salt", "deposit", create2.FormatAddress(d.Address), "err", err)
			sum.addError("invalid salt for %s: %v", create2.FormatAddress(d.Address), err)
			continue
		}
		batch = append(batch, d)
		salts = append(salts, salt)
	}
	if len(batch) > 0 && !s.deploy(ctx, sum, batch, salts) {
		return
	}

	routable := batch
	for _, i := range stranded {
		routable = append(routable, &candidates[i])
	}
	if len(routable) == 0 {
		return
	}

	// Proxies left untransferred stay deployed and go to whoever holds the
	// lease next.
	for i, d := range routable {
		if err := s.guard.Extend(ctx); err != nil {
			s.log.Error("sweep lease lost during transfers", "remaining", len(routable)-i, "err", err)
			sum.addError("sweep lease lost with %d transfers left: %v", len(routable)-i, err)
			return
		}
		s.transfer(ctx, sum, d)
	}
}

// deploy submits one batch and reports whether transfers may follow. A
// failed batch marks every member failed.
func (s *Sweeper) deploy(ctx context.Context, sum *Summary, batch []*deposit.Deposit, salts [][32]byte) bool {
	if err := s.guard.Extend(ctx); err != nil {
		s.log.Error("sweep lease lost before deploy", "err", err)
		sum.addError("sweep lease lost before deploy: %v", err)
		return false
	}

	txHash, err := s.gateway.DeployMultiple(ctx, salts)
	if err != nil {
		s.log.Error("deploy batch failed", "proxies", len(batch), "err", err)
		sum.addError("deploy failed: %v", err)
		for _, d := range batch {
			s.advance(ctx, sum, d, deposit.Status.MarkFailed, func(d deposit.Deposit) error {
				return s.ledger.UpdateStatus(ctx, d.Address, d.Status)
			})
		}
		return false
	}
	sum.DeployTxHash = create2.FormatBytes32(txHash)
	sum.Deployed = len(batch)
	s.log.Info("proxies deployed", "proxies", len(batch), "tx", sum.DeployTxHash)

	for _, d := range batch {
		s.advance(ctx, sum, d, deposit.Status.MarkDeployed, func(d deposit.Deposit) error {
			return s.ledger.RecordDeployed(ctx, d.Address, txHash)
		})
		// The proxy exists on chain whether or not the row update landed.
		d.Status = deposit.StatusDeployed
	}
	return true
}

// balances queries every pending candidate with bounded parallelism. A nil
// entry means the query failed and the deposit sits this sweep out.
func (s *Sweeper) balances(ctx context.Context, candidates []deposit.Deposit, pending []int, sum *Summary) []*big.Int {
	out := make([]*big.Int, len(candidates))
	errs := make([]error, len(candidates))

	var g errgroup.Group
	g.SetLimit(s.cfg.BalanceConcurrency)
	for _, i := range pending {
		i := i
		g.Go(func() error {
			out[i], errs[i] = s.gateway.Balance(ctx, candidates[i].Address)
			return nil
		})
	}
	_ = g.Wait()

	for _, i := range pending {
		if errs[i] != nil {
			addr := create2.FormatAddress(candidates[i].Address)
			s.log.Warn("balance check failed", "deposit", addr, "err", errs[i])
			sum.addError("balance check failed for %s: %v", addr, errs[i])
			out[i] = nil
		}
	}
	return out
}

func (s *Sweeper) transfer(ctx context.Context, sum *Summary, d *deposit.Deposit) {
	addr := create2.FormatAddress(d.Address)

	bal, err := s.gateway.Balance(ctx, d.Address)
	if err != nil {
		s.log.Warn("balance re-check failed", "deposit", addr, "err", err)
		sum.addError("balance re-check failed for %s: %v", addr, err)
		return
	}
	if bal.Sign() <= 0 {
		s.log.Warn("proxy has zero balance, skipping transfer", "deposit", addr)
		return
	}

	txHash, err := s.gateway.TransferFunds(ctx, d.Address)
	if err != nil {
		s.log.Error("transfer failed", "deposit", addr, "err", err)
		sum.addError("transfer failed for %s: %v", addr, err)
		return
	}

	sum.Routed++
	sum.Routes = append(sum.Routes, Route{
		ProxyAddress: addr,
		TxHash:       create2.FormatBytes32(txHash),
		AmountWei:    bal.String(),
	})
	s.log.Info("deposit routed", "deposit", addr, "amount_wei", bal.String(), "tx", create2.FormatBytes32(txHash))

	s.advance(ctx, sum, d, deposit.Status.MarkRouted, func(d deposit.Deposit) error {
		return s.ledger.RecordRouted(ctx, d.Address, bal, txHash)
	})
}

// advance applies a checked transition and persists it with write. On success
// the in-memory deposit carries the new status; on failure it keeps the old one.
func (s *Sweeper) advance(ctx context.Context, sum *Summary, d *deposit.Deposit, mark func(deposit.Status) (deposit.Status, error), write func(deposit.Deposit) error) bool {
	addr := create2.FormatAddress(d.Address)

	next, err := mark(d.Status)
	if err != nil {
		sum.addError("%s: %v", addr, err)
		return false
	}
	updated := *d
	updated.Status = next
	if err := write(updated); err != nil {
		s.log.Error("ledger update failed", "deposit", addr, "status", next.String(), "err", err)
		sum.addError("update %s to %s failed: %v", addr, next, err)
		return false
	}
	d.Status = next
	return true
}

func (s *Sweeper) report(ctx context.Context, sum Summary) {
	if s.events != nil {
		if err := s.events.SweepCompleted(ctx, sum); err != nil {
			s.log.Warn("publish sweep summary", "err", err)
		}
	}
	if s.archive != nil {
		key := ReportKey(sum.StartedAt)
		if err := blobstore.PutJSON(ctx, s.archive, key, sum); err != nil {
			s.log.Warn("archive sweep summary", "key", key, "err", err)
		}
	}
}

// renewLease extends the lease every third of its TTL until the returned
// func is called, covering deploys and transfers that wait on the chain.
func (s *Sweeper) renewLease(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(max(s.cfg.LeaseTTL/3, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.guard.Extend(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("renew sweep lease", "err", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Sweeper) release(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.guard.Release(rctx); err != nil {
		s.log.Warn("release sweep lease", "lease", s.guard.Name(), "owner", s.guard.Owner(), "err", err)
	}
}

func (s *Sweeper) now() time.Time {
	return s.cfg.Now().UTC()
}
