package hosted

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"servicemarket/internal/config"
	"servicemarket/internal/identity"
	"servicemarket/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Store 托管 Postgres 存储
//
// 请求上下文里带有 scoped token 时，每个操作都在一个事务里执行：
// 先把令牌载荷写入 request.jwt.claims，再 SET LOCAL ROLE，
// 行级安全策略据此判断当前用户能看到和修改哪些行。
// 没有令牌的调用（后台任务）以连接用户身份执行。
type Store struct {
	pool     *pgxpool.Pool
	verifier *identity.Verifier
	role     string

	services     *serviceRepo
	transactions *transactionRepo
	outbox       *outboxRepo
}

// Connect 建立连接池
func Connect(ctx context.Context, cfg config.HostedConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("解析 DSN 失败: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("连接托管数据库失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("托管数据库不可用: %w", err)
	}
	return pool, nil
}

// New jwtSecret 用来校验请求携带的 scoped token，必须与签发方一致
func New(pool *pgxpool.Pool, jwtSecret, role string) *Store {
	if role == "" {
		role = identity.RoleAuthenticated
	}
	s := &Store{
		pool:     pool,
		verifier: identity.NewVerifier(jwtSecret, ""),
		role:     role,
	}
	s.services = &serviceRepo{store: s}
	s.transactions = &transactionRepo{store: s}
	s.outbox = &outboxRepo{store: s}
	return s
}

// Open 连接、建表并返回可用的 Store
func Open(ctx context.Context, cfg config.HostedConfig) (*Store, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := New(pool, cfg.JWTSecret, cfg.Role)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("托管数据库连接成功")
	return s, nil
}

func (s *Store) Services() repository.ServiceRepository { return s.services }

func (s *Store) Transactions() repository.TransactionRepository { return s.transactions }

func (s *Store) Outbox() repository.OutboxRepository { return s.outbox }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// scoped 在事务中执行 fn，并按请求方的令牌设置行级安全上下文
func (s *Store) scoped(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if token, ok := identity.ScopedTokenFromContext(ctx); ok {
		claims, err := s.verifier.Parse(token.Raw)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(claims)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT set_config('request.jwt.claims', $1, true)`, string(payload)); err != nil {
			return err
		}
		if claims.Role != identity.RoleService {
			if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{s.role}.Sanitize()); err != nil {
				return err
			}
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
