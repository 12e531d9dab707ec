package postgres

import (
	"context"
	"iter"
	"strings"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/xid"
)

const searchLimit = 200

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern turns a search query into an ILIKE pattern matching it
// literally anywhere in the column. An empty query stays empty.
func containsPattern(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	return "%" + likeEscaper.Replace(query) + "%"
}

// UpsertProduct replaces a product together with its variants and tiers.
func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, branch_id, code, name, price)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET tenant_id = EXCLUDED.tenant_id, branch_id = EXCLUDED.branch_id, code = EXCLUDED.code,
			name = EXCLUDED.name, price = EXCLUDED.price
	`, product.ID, product.TenantID, nullIfEmpty(product.BranchID), product.Code, product.Name, int64(product.Price)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_variants WHERE product_id = $1`, product.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_tier_prices WHERE product_id = $1`, product.ID); err != nil {
		return err
	}
	for _, v := range product.Variants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO product_variants (product_id, id, name, price) VALUES ($1, $2, $3, $4)
		`, product.ID, v.ID, v.Name, int64(v.Price)); err != nil {
			return err
		}
	}
	for _, tier := range product.TieredPrices {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO product_tier_prices (product_id, min_quantity, price) VALUES ($1, $2, $3)
		`, product.ID, tier.MinQuantity, int64(tier.Price)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SearchProducts matches the query against name and code. Products without a
// branch are visible from every branch.
func (s *Store) SearchProducts(ctx context.Context, lc domain.LookupContext, query string) iter.Seq2[domain.Product, error] {
	return func(yield func(domain.Product, error) bool) {
		products, err := s.queryProducts(ctx, lc, query)
		if err != nil {
			yield(domain.Product{}, err)
			return
		}
		for _, p := range products {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (s *Store) queryProducts(ctx context.Context, lc domain.LookupContext, query string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, COALESCE(branch_id, ''), code, name, price
		FROM products
		WHERE tenant_id = $1
			AND (branch_id IS NULL OR $2 = '' OR branch_id = $2)
			AND ($3 = '' OR name ILIKE $3 ESCAPE '\' OR code ILIKE $3 ESCAPE '\')
		ORDER BY name, id
		LIMIT $4
	`, lc.TenantID, lc.BranchID, containsPattern(query), searchLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	index := map[string]int{}
	for rows.Next() {
		var (
			p     domain.Product
			price int64
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.BranchID, &p.Code, &p.Name, &price); err != nil {
			return nil, err
		}
		p.Price = money.Amount(price)
		index[p.ID] = len(products)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return products, nil
	}

	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	if err := s.loadVariants(ctx, ids, products, index); err != nil {
		return nil, err
	}
	if err := s.loadTiers(ctx, ids, products, index); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) loadVariants(ctx context.Context, ids []string, products []domain.Product, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, id, name, price
		FROM product_variants
		WHERE product_id = ANY($1)
		ORDER BY product_id, price, id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			productID string
			v         domain.Variant
			price     int64
		)
		if err := rows.Scan(&productID, &v.ID, &v.Name, &price); err != nil {
			return err
		}
		v.Price = money.Amount(price)
		if i, ok := index[productID]; ok {
			products[i].Variants = append(products[i].Variants, v)
		}
	}
	return rows.Err()
}

func (s *Store) loadTiers(ctx context.Context, ids []string, products []domain.Product, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, min_quantity, price
		FROM product_tier_prices
		WHERE product_id = ANY($1)
		ORDER BY product_id, min_quantity
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			productID string
			tier      domain.TieredPrice
			price     int64
		)
		if err := rows.Scan(&productID, &tier.MinQuantity, &price); err != nil {
			return err
		}
		tier.Price = money.Amount(price)
		if i, ok := index[productID]; ok {
			products[i].TieredPrices = append(products[i].TieredPrices, tier)
		}
	}
	return rows.Err()
}

func (s *Store) SearchCustomers(ctx context.Context, lc domain.LookupContext, query string) iter.Seq2[domain.Customer, error] {
	return func(yield func(domain.Customer, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, tenant_id, name, COALESCE(phone, ''), COALESCE(document, ''), COALESCE(address, '')
			FROM customers
			WHERE tenant_id = $1
				AND ($2 = '' OR name ILIKE $2 ESCAPE '\' OR phone ILIKE $2 ESCAPE '\' OR document ILIKE $2 ESCAPE '\')
			ORDER BY name, id
			LIMIT $3
		`, lc.TenantID, containsPattern(query), searchLimit)
		if err != nil {
			yield(domain.Customer{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var c domain.Customer
			if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Document, &c.Address); err != nil {
				yield(domain.Customer{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Customer{}, err)
		}
	}
}

func (s *Store) CreateCustomer(ctx context.Context, lc domain.LookupContext, fields domain.CustomerFields) (string, error) {
	id := xid.New("cst")
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, tenant_id, name, phone, document, address)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, lc.TenantID, strings.TrimSpace(fields.Name),
		nullIfEmpty(fields.Phone), nullIfEmpty(fields.Document), nullIfEmpty(fields.Address)); err != nil {
		return "", err
	}
	return id, nil
}
