package memory

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/store"
	"kasirinaja/register/internal/xid"
)

// Store keeps every collaborator of the register in process memory. It is
// used for local runs without a database and throughout the tests.
type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	customers        map[string]domain.Customer
	sales            []domain.Sale
	sessionsByID     map[string]domain.CashSession
	sessionByDay     map[string]string
	openByOperator   map[string]string
	operationsBySess map[string][]domain.CashOperation
	heldByScope      map[domain.Scope]map[string]domain.HeldSale
}

func New() *Store {
	return &Store{
		products:         map[string]domain.Product{},
		customers:        map[string]domain.Customer{},
		sessionsByID:     map[string]domain.CashSession{},
		sessionByDay:     map[string]string{},
		openByOperator:   map[string]string{},
		operationsBySess: map[string][]domain.CashOperation{},
		heldByScope:      map[domain.Scope]map[string]domain.HeldSale{},
	}
}

// NewSeeded returns a store with a demo catalog and customer list for tenantID.
func NewSeeded(tenantID string) *Store {
	s := New()
	products := []domain.Product{
		{ID: "prd-mie", Code: "SKU-MIE-01", Name: "Mie Goreng Instan", Price: 3500,
			TieredPrices: []domain.TieredPrice{{MinQuantity: 10, Price: 3200}, {MinQuantity: 40, Price: 3000}}},
		{ID: "prd-telur", Code: "SKU-TELUR-01", Name: "Telur 10 Butir", Price: 26500},
		{ID: "prd-susu", Code: "SKU-SUSU-01", Name: "Susu UHT", Price: 18900,
			Variants: []domain.Variant{{ID: "250ml", Name: "250ml", Price: 6500}, {ID: "1l", Name: "1L", Price: 18900}}},
		{ID: "prd-roti", Code: "SKU-ROTI-01", Name: "Roti Tawar", Price: 17800},
		{ID: "prd-kopi", Code: "SKU-KOPI-01", Name: "Kopi Sachet", Price: 2600,
			TieredPrices: []domain.TieredPrice{{MinQuantity: 12, Price: 2300}}},
		{ID: "prd-gula", Code: "SKU-GULA-01", Name: "Gula 1kg", Price: 17400},
		{ID: "prd-teh", Code: "SKU-TEH-01", Name: "Teh Celup", Price: 9800},
		{ID: "prd-air", Code: "SKU-AIR-01", Name: "Air Mineral", Price: 3900,
			Variants: []domain.Variant{{ID: "600ml", Name: "600ml", Price: 3900}, {ID: "1500ml", Name: "1500ml", Price: 7200}}},
		{ID: "prd-sabun", Code: "SKU-SABUN-01", Name: "Sabun Mandi", Price: 7400},
	}
	for _, p := range products {
		p.TenantID = tenantID
		s.products[p.ID] = p
	}
	customers := []domain.Customer{
		{ID: "cst-budi", Name: "Budi Santoso", Phone: "081200000001"},
		{ID: "cst-sari", Name: "Sari Wulandari", Phone: "081200000002", Address: "Jl. Melati 4"},
	}
	for _, c := range customers {
		c.TenantID = tenantID
		s.customers[c.ID] = c
	}
	return s
}

func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = cloneProduct(product)
}

func (s *Store) SearchProducts(ctx context.Context, lc domain.LookupContext, query string) iter.Seq2[domain.Product, error] {
	return func(yield func(domain.Product, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(domain.Product{}, err)
			return
		}
		s.mu.RLock()
		result := make([]domain.Product, 0, len(s.products))
		for _, p := range s.products {
			if p.TenantID != lc.TenantID {
				continue
			}
			if p.BranchID != "" && lc.BranchID != "" && p.BranchID != lc.BranchID {
				continue
			}
			if !matches(query, p.Name, p.Code) {
				continue
			}
			result = append(result, cloneProduct(p))
		}
		s.mu.RUnlock()

		slices.SortFunc(result, func(a, b domain.Product) int { return strings.Compare(a.Name, b.Name) })
		for _, p := range result {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (s *Store) SearchCustomers(ctx context.Context, lc domain.LookupContext, query string) iter.Seq2[domain.Customer, error] {
	return func(yield func(domain.Customer, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(domain.Customer{}, err)
			return
		}
		s.mu.RLock()
		result := make([]domain.Customer, 0, len(s.customers))
		for _, c := range s.customers {
			if c.TenantID == lc.TenantID && matches(query, c.Name, c.Phone, c.Document) {
				result = append(result, c)
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(result, func(a, b domain.Customer) int { return strings.Compare(a.Name, b.Name) })
		for _, c := range result {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (s *Store) CreateCustomer(_ context.Context, lc domain.LookupContext, fields domain.CustomerFields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer := domain.Customer{
		ID:       xid.New("cst"),
		TenantID: lc.TenantID,
		Name:     fields.Name,
		Phone:    fields.Phone,
		Document: fields.Document,
		Address:  fields.Address,
	}
	s.customers[customer.ID] = customer
	return customer.ID, nil
}

func (s *Store) InsertSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	for _, existing := range s.sales {
		if existing.ID == sale.ID {
			return nil, store.ErrConflict
		}
	}
	saved := cloneSale(sale)
	s.sales = append(s.sales, saved)
	result := cloneSale(saved)
	return &result, nil
}

func (s *Store) ListSalesByWindow(ctx context.Context, filter store.SaleFilter) iter.Seq2[domain.Sale, error] {
	return func(yield func(domain.Sale, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(domain.Sale{}, err)
			return
		}
		s.mu.RLock()
		result := make([]domain.Sale, 0, len(s.sales))
		for _, sale := range s.sales {
			if filter.Match(sale) {
				result = append(result, cloneSale(sale))
			}
		}
		s.mu.RUnlock()

		for _, sale := range result {
			if !yield(sale, nil) {
				return
			}
		}
	}
}

func (s *Store) FindOpenForOperator(_ context.Context, scope domain.Scope, day string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.openByOperator[operatorKey(scope)]
	if !exists {
		return nil, store.ErrNotFound
	}
	session, exists := s.sessionsByID[sessionID]
	if !exists || session.BusinessDate > day {
		return nil, store.ErrNotFound
	}
	result := session.Clone()
	return &result, nil
}

func (s *Store) FindForOperatorDay(_ context.Context, scope domain.Scope, day string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.sessionByDay[dayKey(scope, day)]
	if !exists {
		return nil, store.ErrNotFound
	}
	result := s.sessionsByID[sessionID].Clone()
	return &result, nil
}

func (s *Store) PersistSession(_ context.Context, session domain.CashSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := session.Scope()
	existing, exists := s.sessionsByID[session.ID]
	if exists {
		if existing.Status != domain.SessionOpen || session.Status != domain.SessionClosed {
			return store.ErrConflict
		}
		s.sessionsByID[session.ID] = session.Clone()
		delete(s.openByOperator, operatorKey(scope))
		return nil
	}

	if session.Status != domain.SessionOpen {
		return store.ErrConflict
	}
	if _, taken := s.sessionByDay[dayKey(scope, session.BusinessDate)]; taken {
		return store.ErrConflict
	}
	if _, taken := s.openByOperator[operatorKey(scope)]; taken {
		return store.ErrConflict
	}
	s.sessionsByID[session.ID] = session.Clone()
	s.sessionByDay[dayKey(scope, session.BusinessDate)] = session.ID
	s.openByOperator[operatorKey(scope)] = session.ID
	return nil
}

func (s *Store) AppendOperation(_ context.Context, op domain.CashOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[op.SessionID]
	if !exists {
		return store.ErrNotFound
	}
	if session.Status != domain.SessionOpen {
		return store.ErrConflict
	}
	s.operationsBySess[op.SessionID] = append(s.operationsBySess[op.SessionID], op)
	return nil
}

func (s *Store) ListOperations(_ context.Context, sessionID string) ([]domain.CashOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.CashOperation(nil), s.operationsBySess[sessionID]...), nil
}

func (s *Store) ListStaleOpenSessions(_ context.Context, beforeDay string) ([]domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashSession, 0, len(s.openByOperator))
	for _, sessionID := range s.openByOperator {
		session := s.sessionsByID[sessionID]
		if session.BusinessDate < beforeDay {
			result = append(result, session.Clone())
		}
	}
	slices.SortFunc(result, func(a, b domain.CashSession) int { return a.OpenedAt.Compare(b.OpenedAt) })
	return result, nil
}

func (s *Store) SaveHeldSale(_ context.Context, scope domain.Scope, held domain.HeldSale) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, exists := s.heldByScope[scope]
	if !exists {
		bucket = map[string]domain.HeldSale{}
		s.heldByScope[scope] = bucket
	}
	if _, dup := bucket[held.ID]; dup {
		return store.ErrConflict
	}
	held.Cart = held.Cart.Clone()
	bucket[held.ID] = held
	return nil
}

func (s *Store) GetHeldSale(_ context.Context, scope domain.Scope, id string) (*domain.HeldSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	held, exists := s.heldByScope[scope][id]
	if !exists {
		return nil, store.ErrNotFound
	}
	held.Cart = held.Cart.Clone()
	return &held, nil
}

func (s *Store) DeleteHeldSale(_ context.Context, scope domain.Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.heldByScope[scope][id]; !exists {
		return store.ErrNotFound
	}
	delete(s.heldByScope[scope], id)
	return nil
}

func (s *Store) ListHeldSales(_ context.Context, scope domain.Scope) ([]domain.HeldSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.HeldSale, 0, len(s.heldByScope[scope]))
	for _, held := range s.heldByScope[scope] {
		held.Cart = held.Cart.Clone()
		result = append(result, held)
	}
	slices.SortFunc(result, func(a, b domain.HeldSale) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func operatorKey(scope domain.Scope) string {
	return scope.TenantID + "|" + scope.OperatorID
}

func dayKey(scope domain.Scope, day string) string {
	return operatorKey(scope) + "|" + day
}

func matches(query string, fields ...string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

func cloneProduct(src domain.Product) domain.Product {
	out := src
	out.Variants = append([]domain.Variant(nil), src.Variants...)
	out.TieredPrices = append([]domain.TieredPrice(nil), src.TieredPrices...)
	return out
}

func cloneSale(src domain.Sale) domain.Sale {
	out := src
	out.Lines = append([]domain.CartLine(nil), src.Lines...)
	out.Splits = append([]domain.PaymentSplit(nil), src.Splits...)
	if src.AmountTendered != nil {
		v := *src.AmountTendered
		out.AmountTendered = &v
	}
	if src.ChangeGiven != nil {
		v := *src.ChangeGiven
		out.ChangeGiven = &v
	}
	return out
}
