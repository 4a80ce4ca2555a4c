package hosted

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var tableStatements = []string{
	`CREATE OR REPLACE FUNCTION app_uid() RETURNS text LANGUAGE sql STABLE AS $$
		SELECT nullif(current_setting('request.jwt.claims', true), '')::json->>'sub'
	$$`,

	`CREATE TABLE IF NOT EXISTS services (
		id text PRIMARY KEY,
		title text NOT NULL,
		description text NOT NULL,
		price numeric(12,2) NOT NULL DEFAULT 0,
		currency varchar(3) NOT NULL DEFAULT 'EUR',
		image_url text,
		is_physical boolean NOT NULL DEFAULT false,
		is_online boolean NOT NULL DEFAULT false,
		payment_type varchar(10) NOT NULL DEFAULT 'paid' CHECK (payment_type IN ('paid', 'barter')),
		preferred_payment_method varchar(10),
		user_id text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_services_user_id ON services(user_id)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id text PRIMARY KEY,
		reference varchar(64) NOT NULL UNIQUE,
		service_id text NOT NULL,
		buyer_id text NOT NULL,
		seller_id text NOT NULL,
		total_amount bigint NOT NULL,
		commission_rate numeric(5,4) NOT NULL,
		commission_amount bigint NOT NULL,
		seller_amount bigint NOT NULL,
		currency varchar(3) NOT NULL,
		payment_method varchar(10) NOT NULL,
		payment_id varchar(128) NOT NULL,
		capture_id varchar(128),
		status varchar(20) NOT NULL CHECK (status IN ('pending', 'completed', 'cancelled')),
		expires_at timestamptz NOT NULL,
		completed_at timestamptz,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		UNIQUE (payment_method, payment_id),
		CHECK (commission_amount + seller_amount = total_amount)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_buyer ON transactions(buyer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_seller ON transactions(seller_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(expires_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS outbox_message (
		id bigserial PRIMARY KEY,
		message_key varchar(64) NOT NULL,
		topic varchar(64) NOT NULL,
		payload text NOT NULL,
		status varchar(20) NOT NULL DEFAULT 'PENDING',
		retry_count int NOT NULL DEFAULT 0,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_message(status, created_at)`,

	`ALTER TABLE services ENABLE ROW LEVEL SECURITY`,
	`ALTER TABLE transactions ENABLE ROW LEVEL SECURITY`,
}

type policy struct {
	table, name, body string
}

// 公开可读；只有发布者本人能写
// 交易只对买卖双方可见
var policies = []policy{
	{"services", "services_read", `FOR SELECT USING (true)`},
	{"services", "services_owner_write", `FOR ALL USING (user_id = app_uid()) WITH CHECK (user_id = app_uid())`},
	{"transactions", "transactions_party", `FOR ALL USING (buyer_id = app_uid() OR seller_id = app_uid()) WITH CHECK (buyer_id = app_uid() OR seller_id = app_uid())`},
}

// EnsureSchema 建表、建角色、授权并创建行级安全策略，可重复执行
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range tableStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}

	for _, p := range policies {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_policies WHERE tablename = $1 AND policyname = $2)`,
			p.table, p.name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("检查策略 %s 失败: %w", p.name, err)
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("CREATE POLICY %s ON %s %s",
			pgx.Identifier{p.name}.Sanitize(), pgx.Identifier{p.table}.Sanitize(), p.body)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("创建策略 %s 失败: %w", p.name, err)
		}
	}

	return s.ensureRole(ctx)
}

func (s *Store) ensureRole(ctx context.Context) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, s.role).Scan(&exists); err != nil {
		return fmt.Errorf("检查角色失败: %w", err)
	}

	role := pgx.Identifier{s.role}.Sanitize()
	stmts := []string{
		fmt.Sprintf("GRANT SELECT, INSERT, UPDATE, DELETE ON services, transactions TO %s", role),
		fmt.Sprintf("GRANT INSERT ON outbox_message TO %s", role),
		fmt.Sprintf("GRANT USAGE ON SEQUENCE outbox_message_id_seq TO %s", role),
	}
	if !exists {
		stmts = append([]string{
			fmt.Sprintf("CREATE ROLE %s NOLOGIN", role),
			fmt.Sprintf("GRANT %s TO CURRENT_USER", role),
		}, stmts...)
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("角色授权失败: %w", err)
		}
	}
	return nil
}
