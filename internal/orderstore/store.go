// Package orderstore is the authoritative local record of intended and
// live orders: an in-memory map with periodic on-disk snapshot and
// recovery, idempotent mutations, deterministic snapshot encoding, and a
// bounded closed-order retention window, persisted via atomic
// tmp-file+fsync+rename.
package orderstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"marketmaker/pkg/types"
)

const (
	ordersFile            = "orders.jsonl"
	recoverMarker         = "recover.marker"
	idemCacheTTL          = 10 * time.Minute
	closedRetentionWindow = 24 * time.Hour
)

// Result is the outcome of a mutation, cached per idempotency key so a
// retried call with the same key returns exactly what the first call
// returned, with no further side effects.
type Result struct {
	Order types.Order
	CIDs  []string // set only by CancelAllOpen
	Err   error
}

type idemEntry struct {
	result    Result
	expiresAt time.Time
}

// Store is the durable order store. Mutations and reads are all
// serialized on mu; reads return copies, and a read holding mu delays a
// concurrent mutation until it finishes.
type Store struct {
	dir string

	mu     sync.Mutex
	orders map[string]types.Order // keyed by ClientOrderID

	idemMu sync.Mutex
	idem   map[string]idemEntry

	nowFunc func() time.Time
}

// Open creates a store backed by dir, creating it if necessary. It does
// not load any snapshot; call Recover explicitly at startup.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		dir:     dir,
		orders:  make(map[string]types.Order),
		idem:    make(map[string]idemEntry),
		nowFunc: time.Now,
	}, nil
}

func (s *Store) Close() error { return nil }

// cachedOrDo runs fn unless idemKey already has an unexpired cached
// result, in which case that result is returned unchanged. This is the
// basis for safe retries across the whole write path.
func (s *Store) cachedOrDo(idemKey string, fn func() Result) Result {
	s.idemMu.Lock()
	if e, ok := s.idem[idemKey]; ok && s.nowFunc().Before(e.expiresAt) {
		s.idemMu.Unlock()
		return e.result
	}
	s.idemMu.Unlock()

	result := fn()

	s.idemMu.Lock()
	s.idem[idemKey] = idemEntry{result: result, expiresAt: s.nowFunc().Add(idemCacheTTL)}
	s.idemMu.Unlock()
	return result
}

// Place records a new intended order in state pending, keyed by its
// ClientOrderID idempotency key.
func (s *Store) Place(intent types.Order, idemKey string) Result {
	return s.cachedOrDo(idemKey, func() Result {
		s.mu.Lock()
		defer s.mu.Unlock()

		if existing, ok := s.orders[intent.ClientOrderID]; ok {
			return Result{Order: existing}
		}

		now := s.nowFunc()
		intent.State = types.StatePending
		intent.CreatedTs = now
		intent.UpdatedTs = now
		s.orders[intent.ClientOrderID] = intent
		return Result{Order: intent}
	})
}

// UpdateState transitions an order to a new state, refusing any change to
// an already-terminal order (terminal states are sticky).
func (s *Store) UpdateState(cid string, state types.OrderState, idemKey string) Result {
	return s.cachedOrDo(idemKey, func() Result {
		s.mu.Lock()
		defer s.mu.Unlock()

		ord, ok := s.orders[cid]
		if !ok {
			return Result{Err: fmt.Errorf("unknown client_order_id %q", cid)}
		}
		if ord.State.Terminal() {
			return Result{Order: ord}
		}
		ord.State = state
		ord.UpdatedTs = s.nowFunc()
		s.orders[cid] = ord
		return Result{Order: ord}
	})
}

// SetExchangeOrderID attaches the exchange-assigned ID once Place
// succeeds on the adapter, and moves the order to open.
func (s *Store) SetExchangeOrderID(cid, exchangeOrderID string, idemKey string) Result {
	return s.cachedOrDo(idemKey, func() Result {
		s.mu.Lock()
		defer s.mu.Unlock()

		ord, ok := s.orders[cid]
		if !ok {
			return Result{Err: fmt.Errorf("unknown client_order_id %q", cid)}
		}
		if ord.State.Terminal() {
			return Result{Order: ord}
		}
		ord.ExchangeOrderID = exchangeOrderID
		ord.State = types.StateOpen
		ord.UpdatedTs = s.nowFunc()
		s.orders[cid] = ord
		return Result{Order: ord}
	})
}

// Amend updates the live price/qty of an order still resting on the book.
func (s *Store) Amend(cid string, price types.Price, qty types.Quantity, idemKey string) Result {
	return s.cachedOrDo(idemKey, func() Result {
		s.mu.Lock()
		defer s.mu.Unlock()

		ord, ok := s.orders[cid]
		if !ok {
			return Result{Err: fmt.Errorf("unknown client_order_id %q", cid)}
		}
		if ord.State.Terminal() {
			return Result{Order: ord}
		}
		ord.Price = price
		ord.Qty = qty
		ord.UpdatedTs = s.nowFunc()
		s.orders[cid] = ord
		return Result{Order: ord}
	})
}

// ApplyFill idempotently applies a fill to an order, advancing filled_qty
// and avg_fill_price and transitioning to partially_filled or filled.
func (s *Store) ApplyFill(cid string, fillQty types.Quantity, fillPrice types.Price, idemKey string) Result {
	return s.cachedOrDo(idemKey, func() Result {
		s.mu.Lock()
		defer s.mu.Unlock()

		ord, ok := s.orders[cid]
		if !ok {
			return Result{Err: fmt.Errorf("unknown client_order_id %q", cid)}
		}
		if ord.State.Terminal() {
			return Result{Order: ord}
		}

		prevFilled := ord.FilledQty.Decimal
		newFilled := prevFilled.Add(fillQty.Decimal)
		if newFilled.GreaterThan(ord.Qty.Decimal) {
			newFilled = ord.Qty.Decimal
		}

		// Weighted-average fill price across all fills applied so far.
		prevNotional := ord.AvgFillPrice.Decimal.Mul(prevFilled)
		addedNotional := fillPrice.Decimal.Mul(fillQty.Decimal)
		if newFilled.IsPositive() {
			ord.AvgFillPrice = types.Price{Decimal: prevNotional.Add(addedNotional).Div(newFilled)}
		}
		ord.FilledQty = types.Quantity{Decimal: newFilled}

		if newFilled.Equal(ord.Qty.Decimal) {
			ord.State = types.StateFilled
		} else {
			ord.State = types.StatePartiallyFilled
		}
		ord.UpdatedTs = s.nowFunc()
		s.orders[cid] = ord
		return Result{Order: ord}
	})
}

// CancelAllOpen marks every non-terminal order as canceled and returns the
// list of client order IDs affected. Used when Guards forces a HARD
// cancel-all or on graceful shutdown. Replaying the same idemKey returns
// the first call's list without touching any order placed since.
func (s *Store) CancelAllOpen(idemKey string) []string {
	res := s.cachedOrDo(idemKey, func() Result {
		s.mu.Lock()
		defer s.mu.Unlock()

		var affected []string
		now := s.nowFunc()
		for cid, ord := range s.orders {
			if ord.State.Terminal() {
				continue
			}
			ord.State = types.StateCanceled
			ord.UpdatedTs = now
			s.orders[cid] = ord
			affected = append(affected, cid)
		}
		sort.Strings(affected)
		return Result{CIDs: affected}
	})
	return res.CIDs
}

// Get returns a copy of the order with the given client order ID.
func (s *Store) Get(cid string) (types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.orders[cid]
	return ord, ok
}

// ListOpen returns a copy of every non-terminal order, optionally filtered
// to one symbol.
func (s *Store) ListOpen(symbol string) []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Order
	for _, ord := range s.orders {
		if ord.State.Terminal() {
			continue
		}
		if symbol != "" && ord.Symbol != symbol {
			continue
		}
		out = append(out, ord)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// OpenBySide returns the single non-terminal order for (symbol, side), if
// any — the "one-order-per-side" invariant means there is at most one.
func (s *Store) OpenBySide(symbol string, side types.Side) (types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ord := range s.orders {
		if ord.State.Terminal() {
			continue
		}
		if ord.Symbol == symbol && ord.Side == side {
			return ord, true
		}
	}
	return types.Order{}, false
}

// PruneClosed removes terminal orders older than the retention window,
// called periodically alongside snapshotting.
func (s *Store) PruneClosed(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-closedRetentionWindow)
	pruned := 0
	for cid, ord := range s.orders {
		if ord.State.Terminal() && ord.UpdatedTs.Before(cutoff) {
			delete(s.orders, cid)
			pruned++
		}
	}
	return pruned
}

// Snapshot writes every order, one JSON record per line, sorted by client
// order ID with compact separators and a trailing newline, to an atomic
// tmp-file + rename so a crash mid-write never corrupts the prior
// snapshot.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	records := make([]types.Order, 0, len(s.orders))
	for _, ord := range s.orders {
		records = append(records, ord)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ClientOrderID < records[j].ClientOrderID })

	path := filepath.Join(s.dir, ordersFile)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open snapshot tmp file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, ord := range records {
		sorted, err := deterministicJSON(ord)
		if err != nil {
			f.Close()
			return fmt.Errorf("encode order %s: %w", ord.ClientOrderID, err)
		}
		if _, err := w.Write(sorted); err != nil {
			f.Close()
			return fmt.Errorf("write order %s: %w", ord.ClientOrderID, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			return fmt.Errorf("write newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// deterministicJSON marshals v with object keys sorted and compact
// separators, so two processes serializing the same state produce
// byte-identical output.
func deterministicJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		// Not an object (shouldn't happen for Order); fall back verbatim.
		return raw, nil
	}
	keys := make([]string, 0, len(generic))
	for k := range generic {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, generic[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Recover reloads the latest snapshot, replacing in-memory state, and
// returns every non-terminal order for the Lifecycle Manager to reconcile
// against exchange truth. Writes recover.marker on success.
func (s *Store) Recover() ([]types.Order, error) {
	path := filepath.Join(s.dir, ordersFile)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s.writeRecoverMarker()
		}
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	loaded := make(map[string]types.Order)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ord types.Order
		if err := json.Unmarshal(line, &ord); err != nil {
			return nil, fmt.Errorf("corrupt snapshot at line %d: %w", lineNo, err)
		}
		// Last-writer-wins for any duplicate client_order_id in the file.
		loaded[ord.ClientOrderID] = ord
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	s.mu.Lock()
	s.orders = loaded
	s.mu.Unlock()

	if err := s.writeRecoverMarker(); err != nil {
		return nil, err
	}

	var nonTerminal []types.Order
	for _, ord := range loaded {
		if !ord.State.Terminal() {
			nonTerminal = append(nonTerminal, ord)
		}
	}
	sort.Slice(nonTerminal, func(i, j int) bool { return nonTerminal[i].ClientOrderID < nonTerminal[j].ClientOrderID })
	return nonTerminal, nil
}

func (s *Store) writeRecoverMarker() error {
	path := filepath.Join(s.dir, recoverMarker)
	return os.WriteFile(path, []byte(s.nowFunc().UTC().Format(time.RFC3339Nano)+"\n"), 0o600)
}
