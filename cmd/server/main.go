package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"servicemarket/internal/config"
	"servicemarket/internal/handler"
	"servicemarket/internal/identity"
	"servicemarket/internal/infrastructure/cache"
	"servicemarket/internal/infrastructure/database"
	"servicemarket/internal/infrastructure/lock"
	"servicemarket/internal/infrastructure/mq"
	"servicemarket/internal/job"
	"servicemarket/internal/payment"
	"servicemarket/internal/repository"
	"servicemarket/internal/repository/hosted"
	"servicemarket/internal/service"
	"servicemarket/internal/storage"
	"servicemarket/pkg/idgen"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	setupLogger(cfg)

	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		log.Fatalf("初始化 ID 生成器失败: %v", err)
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化存储失败: %v", err)
	}
	defer store.Close()

	// Redis 可选：启用时用于多实例之间的支付确认锁
	var (
		rdb    *redis.Client
		locker lock.Locker = lock.NewLocalLocker()
	)
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("初始化 Redis 失败: %v", err)
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, 2*cfg.Payments.Timeout()+5*time.Second)
	}

	// Kafka 可选：未启用时事件只写日志
	var publisher mq.Publisher = mq.LogPublisher{}
	if cfg.Kafka.Enabled {
		producer, err := mq.NewSyncProducer(cfg.Kafka)
		if err != nil {
			log.Fatalf("初始化 Kafka 失败: %v", err)
		}
		publisher = mq.NewKafkaPublisher(producer)
	}
	defer publisher.Close()

	images, static, err := openImageStore(cfg)
	if err != nil {
		log.Fatalf("初始化图片存储失败: %v", err)
	}

	processors := openProcessors(cfg)

	listings := service.NewListingService(store, images, cfg)
	checkouts := service.NewCheckoutService(store, processors, locker, cfg)

	// 启动后台任务
	outboxSender := job.NewOutboxSender(store.Outbox(), publisher, cfg)
	go outboxSender.Start(ctx)

	expiryJob := job.NewCheckoutExpiryJob(checkouts)
	go expiryJob.Start(ctx)

	// 设置路由
	var minter *identity.Minter
	if cfg.Store.Hosted.JWTSecret != "" {
		minter = identity.NewMinter(cfg.Store.Hosted.JWTSecret, cfg.Server.RequestTimeout()+time.Minute, cfg.Auth.AdminRole)
	}
	auth := handler.NewAuthenticator(identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer), minter)
	h := handler.NewHandler(listings, checkouts, store, rdb, cfg)
	router := handler.SetupRouter(h, auth, static, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.WithFields(log.Fields{
			"port":    cfg.Server.Port,
			"store":   cfg.Store.Driver,
			"storage": images.Driver(),
		}).Info("服务启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("服务关闭异常")
	}

	log.Info("服务已关闭")
}

func setupLogger(cfg *config.Config) {
	log.SetOutput(os.Stdout)
	if cfg.Server.Mode == "debug" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339})
	log.SetLevel(log.InfoLevel)
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	if cfg.Store.Driver == config.StoreDriverHosted {
		s, err := hosted.Open(ctx, cfg.Store.Hosted)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	db, err := database.Open(cfg.Store, cfg.Server.Mode == "debug")
	if err != nil {
		return nil, err
	}
	return repository.NewGormStore(db), nil
}

func openImageStore(cfg *config.Config) (storage.ImageStore, *handler.StaticDir, error) {
	if cfg.Storage.Driver == config.StorageDriverRemote {
		return storage.NewRemoteStore(cfg.Storage.Remote, 30*time.Second), nil, nil
	}
	local, err := storage.NewLocalStore(cfg.Storage.Local)
	if err != nil {
		return nil, nil, err
	}
	return local, &handler.StaticDir{URLPath: local.PublicPath(), Dir: local.Dir()}, nil
}

// openProcessors 只注册配置了凭证的渠道
func openProcessors(cfg *config.Config) payment.Registry {
	var processors []payment.Processor
	timeout := cfg.Payments.Timeout()

	if cfg.Payments.Stripe.SecretKey != "" {
		processors = append(processors, payment.WithBreaker(
			payment.NewStripeProcessor(cfg.Payments.Stripe.SecretKey, cfg.Payments.AppURL), timeout))
	} else {
		log.Warn("未配置 Stripe 密钥，银行卡支付不可用")
	}

	if cfg.Payments.PayPal.ClientID != "" && cfg.Payments.PayPal.ClientSecret != "" {
		processors = append(processors, payment.WithBreaker(
			payment.NewPayPalProcessor(cfg.Payments.PayPal, cfg.Payments.AppURL, cfg.Payments.BrandName, timeout), timeout))
	} else {
		log.Warn("未配置 PayPal 凭证，钱包支付不可用")
	}

	return payment.NewRegistry(processors...)
}
