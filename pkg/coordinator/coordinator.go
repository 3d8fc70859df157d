package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/types"
	"github.com/natgridstats/natgridstats/pkg/utility"
)

var (
	// ErrReauthRequired is returned when the provider rejected the
	// credentials. The user has to supply new ones.
	ErrReauthRequired = errors.New("reauthentication required")

	// ErrUpdateFailed is returned when a cycle failed for any other reason.
	ErrUpdateFailed = errors.New("update failed")
)

const (
	firstRefreshUsageDays = 465
	firstRefreshAmiDays   = 1825
	firstRefreshAmiLag    = 3
	incrementalAmiDays    = 2

	// DefaultInterval is how often the provider is polled.
	DefaultInterval = time.Hour
)

// Listener is called after every successful refresh with the new snapshot.
type Listener func(ctx context.Context, snap *Snapshot)

// FailureListener is called after every failed refresh with its error.
type FailureListener func(ctx context.Context, err error)

// Coordinator polls the utility API on a schedule and keeps the latest
// snapshot. Only one refresh runs at a time.
type Coordinator struct {
	client   utility.Client
	accounts []string
	now      func() time.Time

	refreshMu sync.Mutex

	mu                sync.RWMutex
	data              *Snapshot
	firstRefresh      bool
	lastUpdateSuccess bool
	lastErr           error
	accountHealthy    map[string]bool
	listeners         []Listener
	failureListeners  []FailureListener
}

// New returns a Coordinator for the given accounts. When accounts is empty
// every account linked to the login is polled.
func New(client utility.Client, accounts []string) *Coordinator {
	return &Coordinator{
		client:            client,
		accounts:          accounts,
		now:               time.Now,
		firstRefresh:      true,
		lastUpdateSuccess: true,
		accountHealthy:    make(map[string]bool),
	}
}

// Data returns the snapshot from the last successful refresh or nil if there
// hasn't been one.
func (c *Coordinator) Data() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// LastUpdateSuccess reports whether the last refresh succeeded.
func (c *Coordinator) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdateSuccess
}

// LastError returns the error of the last refresh, if it failed.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// IsFirstRefresh reports whether the next refresh fetches the full history.
func (c *Coordinator) IsFirstRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firstRefresh
}

// AddListener registers fn to be called after every successful refresh.
// Listeners run in registration order while the refresh lock is held.
func (c *Coordinator) AddListener(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// AddFailureListener registers fn to be called after every failed refresh.
func (c *Coordinator) AddFailureListener(fn FailureListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureListeners = append(c.failureListeners, fn)
}

// ResetToFirstRefresh makes the next refresh fetch the full history again.
func (c *Coordinator) ResetToFirstRefresh(ctx context.Context) {
	log.Ctx(ctx).InfoContext(ctx, "resetting coordinator to first refresh mode for full historical import")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.firstRefresh = true
}

// Run refreshes on every tick of interval until ctx is done. If no refresh
// has succeeded yet, one is attempted immediately.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if c.Data() == nil {
		// errors are logged and recorded by Refresh
		_, _ = c.Refresh(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = c.Refresh(ctx)
		}
	}
}

// Refresh runs one polling cycle. On success the new snapshot replaces the
// previous one and the listeners are called. On failure the previous
// snapshot is kept.
func (c *Coordinator) Refresh(ctx context.Context) (*Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	snap, err := c.fetchAll(ctx)
	if err != nil {
		c.mu.Lock()
		wasSuccess := c.lastUpdateSuccess
		c.lastUpdateSuccess = false
		c.lastErr = err
		failureListeners := make([]FailureListener, len(c.failureListeners))
		copy(failureListeners, c.failureListeners)
		c.mu.Unlock()

		switch {
		case errors.Is(err, ErrReauthRequired):
			log.Ctx(ctx).ErrorContext(ctx, "national grid rejected credentials", slog.Any("error", err))
		case wasSuccess:
			log.Ctx(ctx).WarnContext(ctx, "national grid service unavailable", slog.Any("error", err))
		default:
			log.Ctx(ctx).DebugContext(ctx, "national grid service still unavailable", slog.Any("error", err))
		}
		for _, fn := range failureListeners {
			fn(ctx, err)
		}
		return nil, err
	}

	c.mu.Lock()
	recovered := !c.lastUpdateSuccess
	c.data = snap
	c.lastUpdateSuccess = true
	c.lastErr = nil
	if c.firstRefresh {
		c.firstRefresh = false
		log.Ctx(ctx).InfoContext(ctx, "first refresh complete, switching to incremental updates")
	}
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	if recovered {
		log.Ctx(ctx).InfoContext(ctx, "national grid service recovered")
	}

	for _, fn := range listeners {
		fn(ctx, snap)
	}
	return snap, nil
}

func (c *Coordinator) fetchAll(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	snap := c.data.seed()
	snap.FirstRefresh = c.firstRefresh
	c.mu.RUnlock()

	now := c.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	snap.FetchedAt = now

	var fromMonth int
	if snap.FirstRefresh {
		log.Ctx(ctx).InfoContext(ctx, "first refresh, fetching full history")
		fromMonth = types.YearMonth(today.AddDate(0, 0, -firstRefreshUsageDays))
	} else {
		fromMonth = (today.Year()-1)*100 + int(today.Month())
	}

	accounts := c.accounts
	if len(accounts) == 0 {
		linked, err := c.client.LinkedAccounts(ctx)
		if err != nil {
			return nil, classify(err, "listing linked accounts")
		}
		accounts = linked
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching data for accounts", slog.Any("accounts", accounts), slog.Int("fromMonth", fromMonth))

	for _, id := range accounts {
		actx := log.WithAttrs(ctx, slog.String("accountID", id))
		err := c.fetchAccount(actx, id, now, today, fromMonth, snap)
		switch {
		case err == nil:
			c.markAccount(actx, id, nil)
		case errors.Is(err, utility.ErrInvalidAuth):
			return nil, fmt.Errorf("%w: %w", ErrReauthRequired, err)
		case utility.IsAccountError(err):
			c.markAccount(actx, id, err)
		default:
			return nil, classify(err, "fetching account "+id)
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "fetch complete",
		slog.Int("accounts", len(snap.Accounts)),
		slog.Int("meters", len(snap.Meters)),
		slog.Int("usages", countValues(snap.Usages)),
		slog.Int("costs", countValues(snap.Costs)),
		slog.Int("amiUsages", countValues(snap.AmiUsages)),
		slog.Int("intervalReads", countValues(snap.IntervalReads)),
	)
	return snap, nil
}

func classify(err error, what string) error {
	if errors.Is(err, utility.ErrInvalidAuth) {
		return fmt.Errorf("%w: %s: %w", ErrReauthRequired, what, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUpdateFailed, what, err)
}

// markAccount logs an account's health only when it changes.
func (c *Coordinator) markAccount(ctx context.Context, id string, err error) {
	c.mu.Lock()
	healthy, seen := c.accountHealthy[id]
	if !seen {
		healthy = true
	}
	c.accountHealthy[id] = err == nil
	c.mu.Unlock()

	switch {
	case err != nil && healthy:
		log.Ctx(ctx).WarnContext(ctx, "error fetching account data, keeping previous data", slog.Any("error", err))
	case err != nil:
		log.Ctx(ctx).DebugContext(ctx, "account still failing", slog.Any("error", err))
	case !healthy:
		log.Ctx(ctx).InfoContext(ctx, "account recovered")
	}
}

func (c *Coordinator) fetchAccount(ctx context.Context, id string, now, today time.Time, fromMonth int, snap *Snapshot) error {
	ba, err := c.client.BillingAccount(ctx, id)
	if err != nil {
		return err
	}
	snap.Accounts[id] = ba
	log.Ctx(ctx).DebugContext(ctx, "fetched billing account", slog.String("region", ba.Region), slog.Int("meters", len(ba.Meters())))

	for _, m := range ba.Meters() {
		if m.ServicePointNumber == "" {
			continue
		}
		snap.Meters[m.ServicePointNumber] = MeterData{
			Meter:          m,
			AccountID:      id,
			BillingAccount: ba,
		}
	}

	usages, err := c.client.EnergyUsages(ctx, id, fromMonth)
	if err != nil {
		if !utility.IsAccountError(err) {
			return err
		}
		log.Ctx(ctx).DebugContext(ctx, "could not fetch energy usages", slog.Any("error", err))
		usages = []types.EnergyUsage{}
	}
	snap.Usages[id] = usages

	costs, err := c.fetchCosts(ctx, id, today, ba)
	if err != nil {
		return err
	}
	snap.Costs[id] = costs

	return c.fetchAmiData(ctx, ba, now, today, snap)
}

func (c *Coordinator) fetchCosts(ctx context.Context, id string, today time.Time, ba types.BillingAccount) ([]types.EnergyUsageCost, error) {
	if ba.Region == "" {
		log.Ctx(ctx).DebugContext(ctx, "no region for account, skipping costs")
		return []types.EnergyUsageCost{}, nil
	}
	costs, err := c.client.EnergyUsageCosts(ctx, id, today, ba.Region)
	if err != nil {
		if !utility.IsAccountError(err) {
			return nil, err
		}
		log.Ctx(ctx).DebugContext(ctx, "could not fetch energy costs", slog.Any("error", err))
		return []types.EnergyUsageCost{}, nil
	}
	return costs, nil
}

// fetchAmiData fetches hourly readings for every AMI meter and interval reads
// for the non-gas ones.
func (c *Coordinator) fetchAmiData(ctx context.Context, ba types.BillingAccount, now, today time.Time, snap *Snapshot) error {
	for _, m := range ba.Meters() {
		if !m.HasAmiSmartMeter || m.ServicePointNumber == "" {
			continue
		}
		sp := m.ServicePointNumber
		mctx := log.WithAttrs(ctx, slog.String("servicePoint", sp))

		dateFrom, dateTo := today.AddDate(0, 0, -incrementalAmiDays), today
		if snap.FirstRefresh {
			dateFrom, dateTo = today.AddDate(0, 0, -firstRefreshAmiDays), today.AddDate(0, 0, -firstRefreshAmiLag)
		}
		ami, err := c.client.AmiEnergyUsages(mctx, types.AmiMeterIdentifier{
			MeterNumber:        m.MeterNumber,
			PremiseNumber:      ba.PremiseNumber,
			ServicePointNumber: sp,
			MeterPointNumber:   m.MeterPointNumber,
		}, dateFrom, dateTo)
		if err != nil {
			if !utility.IsAccountError(err) {
				return err
			}
			log.Ctx(mctx).DebugContext(mctx, "could not fetch ami usages", slog.Any("error", err))
			ami = []types.AmiEnergyUsage{}
		}
		snap.AmiUsages[sp] = ami
		log.Ctx(mctx).DebugContext(mctx, "fetched ami usages",
			slog.Int("count", len(ami)),
			slog.Time("from", dateFrom),
			slog.Time("to", dateTo),
		)

		if m.FuelType.IsGas() {
			continue
		}

		start := now.Add(-24 * time.Hour)
		if snap.FirstRefresh {
			start = now.AddDate(0, 0, -firstRefreshAmiDays)
		}
		reads, err := c.client.IntervalReads(mctx, ba.PremiseNumber, sp, start)
		if err != nil {
			if !utility.IsAccountError(err) {
				return err
			}
			log.Ctx(mctx).DebugContext(mctx, "could not fetch interval reads", slog.Any("error", err))
			reads = []types.IntervalRead{}
		}
		snap.IntervalReads[sp] = reads
		log.Ctx(mctx).DebugContext(mctx, "fetched interval reads", slog.Int("count", len(reads)), slog.Time("from", start))
	}
	return nil
}

func countValues[V any](m map[string][]V) int {
	var n int
	for _, v := range m {
		n += len(v)
	}
	return n
}
