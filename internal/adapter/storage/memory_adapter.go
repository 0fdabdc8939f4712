package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-inventory/internal/core/domain"
	"github.com/rl1809/cart-inventory/internal/port"
)

type lineKey struct {
	cartID    string
	productID string
}

type memLine struct {
	line domain.CartLine
	seq  uint64
}

// MemoryStore keeps products, carts and lines in process. Row locks are
// per-key channels held until the transaction ends; writes are staged on the
// transaction and published under mu at commit.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	carts    map[string]domain.Cart // keyed by user id
	lines    map[lineKey]memLine

	productLocks *rowLocks
	cartLocks    *rowLocks
	lineSeq      atomic.Uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:     make(map[string]domain.Product),
		carts:        make(map[string]domain.Cart),
		lines:        make(map[lineKey]memLine),
		productLocks: newRowLocks(),
		cartLocks:    newRowLocks(),
	}
}

var _ port.Store = (*MemoryStore)(nil)

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx := &memoryTx{
		store:    s,
		held:     make(map[string]func()),
		stock:    make(map[string]int),
		newCarts: make(map[string]domain.Cart),
		lines:    make(map[lineKey]*memLine),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) LoadCart(ctx context.Context, userID string) (*domain.Cart, []domain.PricedLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cart, ok := s.carts[userID]
	if !ok {
		return nil, nil, domain.ErrCartNotFound
	}

	var found []memLine
	for key, ml := range s.lines {
		if key.cartID == cart.ID {
			found = append(found, ml)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	priced := make([]domain.PricedLine, 0, len(found))
	for _, ml := range found {
		pl := domain.PricedLine{Line: ml.line}
		if p, ok := s.products[ml.line.ProductID]; ok {
			pl.Product = &p
		}
		priced = append(priced, pl)
	}

	return &cart, priced, nil
}

func (s *MemoryStore) ProvisionProduct(ctx context.Context, id, title string, price decimal.Decimal, stock int) (bool, error) {
	if id == "" || stock < 0 {
		return false, domain.InvalidArgumentf("product %q with stock %d", id, stock)
	}

	unlock, err := s.productLocks.lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	s.products[id] = domain.Product{
		ID:            id,
		Title:         title,
		UnitPrice:     price,
		StockQuantity: stock,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return true, nil
}

// DeleteProduct removes the product from the catalog. Cart lines that still
// reference it are left in place.
func (s *MemoryStore) DeleteProduct(ctx context.Context, id string) error {
	unlock, err := s.productLocks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return domain.ErrProductNotFound
	}
	delete(s.products, id)
	return nil
}

// Stock returns the committed available stock of a product.
func (s *MemoryStore) Stock(productID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	return p.StockQuantity, ok
}

// Reserved sums the committed line quantities referencing a product.
func (s *MemoryStore) Reserved(productID string) (units, lines int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, ml := range s.lines {
		if key.productID == productID {
			units += ml.line.Quantity
			lines++
		}
	}
	return units, lines
}

type memoryTx struct {
	store *MemoryStore
	held  map[string]func()

	stock    map[string]int
	newCarts map[string]domain.Cart
	lines    map[lineKey]*memLine // nil marks a deleted line
}

func (tx *memoryTx) Inventory() port.InventoryLedger { return tx }
func (tx *memoryTx) Carts() port.CartStore           { return tx }

func (tx *memoryTx) LockProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if err := tx.acquire(ctx, tx.store.productLocks, "product:", productID); err != nil {
		return nil, err
	}

	tx.store.mu.RLock()
	p, ok := tx.store.products[productID]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, domain.ErrProductNotFound
	}

	if staged, ok := tx.stock[productID]; ok {
		p.StockQuantity = staged
	}
	return &p, nil
}

func (tx *memoryTx) FindStock(ctx context.Context, productID string) (int, error) {
	if staged, ok := tx.stock[productID]; ok {
		return staged, nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	p, ok := tx.store.products[productID]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	return p.StockQuantity, nil
}

func (tx *memoryTx) Reserve(ctx context.Context, productID string, n int) error {
	current, err := tx.lockedStock(ctx, productID, n)
	if err != nil {
		return err
	}
	if current < n {
		return fmt.Errorf("product %s has %d left, need %d: %w", productID, current, n, domain.ErrOutOfStock)
	}
	tx.stock[productID] = current - n
	return nil
}

func (tx *memoryTx) Release(ctx context.Context, productID string, n int) error {
	current, err := tx.lockedStock(ctx, productID, n)
	if err != nil {
		return err
	}
	tx.stock[productID] = current + n
	return nil
}

func (tx *memoryTx) lockedStock(ctx context.Context, productID string, n int) (int, error) {
	if n <= 0 {
		return 0, domain.InvalidArgumentf("stock delta must be positive, got %d", n)
	}
	if _, ok := tx.held["product:"+productID]; !ok {
		return 0, fmt.Errorf("product %s is not locked by this transaction", productID)
	}
	return tx.FindStock(ctx, productID)
}

func (tx *memoryTx) FindCart(ctx context.Context, userID string) (*domain.Cart, error) {
	if err := tx.acquire(ctx, tx.store.cartLocks, "cart:", userID); err != nil {
		return nil, err
	}

	if cart, ok := tx.newCarts[userID]; ok {
		return &cart, nil
	}

	tx.store.mu.RLock()
	cart, ok := tx.store.carts[userID]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, domain.ErrCartNotFound
	}
	return &cart, nil
}

func (tx *memoryTx) GetOrCreateCart(ctx context.Context, userID string) (*domain.Cart, error) {
	cart, err := tx.FindCart(ctx, userID)
	if err == nil || !errors.Is(err, domain.ErrCartNotFound) {
		return cart, err
	}

	now := time.Now().UTC()
	created := domain.Cart{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx.newCarts[userID] = created
	return &created, nil
}

func (tx *memoryTx) FindLine(ctx context.Context, cartID, productID string) (*domain.CartLine, error) {
	key := lineKey{cartID: cartID, productID: productID}
	if staged, ok := tx.lines[key]; ok {
		if staged == nil {
			return nil, nil
		}
		line := staged.line
		return &line, nil
	}

	tx.store.mu.RLock()
	ml, ok := tx.store.lines[key]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &ml.line, nil
}

func (tx *memoryTx) UpsertLine(ctx context.Context, cartID, productID string, quantity int) (*domain.CartLine, error) {
	if quantity < 1 {
		return nil, domain.InvalidArgumentf("line quantity must be at least 1, got %d", quantity)
	}

	key := lineKey{cartID: cartID, productID: productID}
	now := time.Now().UTC()

	existing, err := tx.FindLine(ctx, cartID, productID)
	if err != nil {
		return nil, err
	}

	var ml memLine
	if existing != nil {
		ml = memLine{line: *existing, seq: tx.seqOf(key)}
	} else {
		ml = memLine{
			line: domain.CartLine{
				ID:        uuid.New().String(),
				CartID:    cartID,
				ProductID: productID,
				CreatedAt: now,
			},
			seq: tx.store.lineSeq.Add(1),
		}
	}
	ml.line.Quantity = quantity
	ml.line.UpdatedAt = now

	tx.lines[key] = &ml
	line := ml.line
	return &line, nil
}

func (tx *memoryTx) RemoveLine(ctx context.Context, cartID, productID string) error {
	tx.lines[lineKey{cartID: cartID, productID: productID}] = nil
	return nil
}

func (tx *memoryTx) seqOf(key lineKey) uint64 {
	if staged, ok := tx.lines[key]; ok && staged != nil {
		return staged.seq
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.lines[key].seq
}

func (tx *memoryTx) acquire(ctx context.Context, locks *rowLocks, prefix, key string) error {
	if _, ok := tx.held[prefix+key]; ok {
		return nil
	}

	unlock, err := locks.lock(ctx, key)
	if err != nil {
		return fmt.Errorf("wait for %s%s lock: %w", prefix, key, err)
	}
	tx.held[prefix+key] = unlock
	return nil
}

func (tx *memoryTx) commit() {
	s := tx.store
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, qty := range tx.stock {
		p := s.products[id]
		p.StockQuantity = qty
		p.UpdatedAt = now
		s.products[id] = p
	}
	for userID, cart := range tx.newCarts {
		s.carts[userID] = cart
	}
	for key, ml := range tx.lines {
		if ml == nil {
			delete(s.lines, key)
			continue
		}
		s.lines[key] = *ml
	}
}

func (tx *memoryTx) release() {
	for key, unlock := range tx.held {
		unlock()
		delete(tx.held, key)
	}
}

// rowLocks hands out one single-slot channel per key. A send acquires the
// lock and a receive releases it, so waiters can give up on ctx. A slot is
// dropped once no holder or waiter references it.
type rowLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newRowLocks() *rowLocks {
	return &rowLocks{slots: make(map[string]*lockSlot)}
}

func (r *rowLocks) get(key string) *lockSlot {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		r.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (r *rowLocks) put(key string, slot *lockSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(r.slots, key)
	}
}

func (r *rowLocks) lock(ctx context.Context, key string) (func(), error) {
	slot := r.get(key)
	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			r.put(key, slot)
		}, nil
	case <-ctx.Done():
		r.put(key, slot)
		return nil, ctx.Err()
	}
}

// size reports how many keys currently have a slot.
func (r *rowLocks) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
