package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"posetl/internal/biz"
	"posetl/internal/conf"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/google/wire"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewDB,
	NewRedis,
	NewRocketMQProducer,
	NewRocketMQConsumer,
	NewPipelineConfig,
	NewBranchRegistry,
	NewMetadataRepo,
	NewOutputRepo,
	NewWansoftExtractor,
	NewCommandStage,
	NewPartitionLocker,
	NewEventPublisher,
	NewRunRequestSource,
	NewRunRepo,
	wire.Bind(new(biz.OutputRepo), new(*FileOutputRepo)),
	wire.Bind(new(biz.Extractor), new(*WansoftExtractor)),
	wire.Bind(new(biz.Transformer), new(*CommandStage)),
	wire.Bind(new(biz.Aggregator), new(*CommandStage)),
)

// 元数据存储后端
const (
	BackendFS     = "fs"
	BackendMySQL  = "mysql"
	BackendSQLite = "sqlite"
)

// Data 外部资源，未配置的资源为 nil
type Data struct {
	db         *gorm.DB
	rdb        *redis.Client
	mqProducer rocketmq.Producer
}

// NewData .
func NewData(c *conf.Data, logger log.Logger, db *gorm.DB, rdb *redis.Client, mqProducer rocketmq.Producer) (*Data, func(), error) {
	if c == nil || c.Root == "" {
		return nil, nil, &biz.ConfigError{Msg: "data.root is required"}
	}
	helper := log.NewHelper(logger)
	cleanup := func() {
		helper.Info("closing the data resources")
		if db != nil {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		if rdb != nil {
			rdb.Close()
		}
		if mqProducer != nil {
			if err := mqProducer.Shutdown(); err != nil {
				helper.Warnf("Failed to shut down rocketmq producer: %v", err)
			}
		}
	}
	return &Data{
		db:         db,
		rdb:        rdb,
		mqProducer: mqProducer,
	}, cleanup, nil
}

// NewDB 按 metadata.backend 打开数据库，fs 后端返回 nil
func NewDB(c *conf.Data) (*gorm.DB, error) {
	if c.Metadata == nil {
		return nil, nil
	}
	var dialector gorm.Dialector
	switch strings.ToLower(c.Metadata.Backend) {
	case "", BackendFS:
		return nil, nil
	case BackendMySQL:
		dialector = mysql.Open(c.Metadata.Source)
	case BackendSQLite:
		dialector = sqlite.Open(c.Metadata.Source)
	default:
		return nil, &biz.ConfigError{Msg: fmt.Sprintf("unsupported data.metadata.backend %q", c.Metadata.Backend)}
	}
	if c.Metadata.Source == "" {
		return nil, &biz.ConfigError{Msg: "data.metadata.source is required for backend " + c.Metadata.Backend}
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if n := c.Metadata.MaxIdleConns; n > 0 {
		sqlDB.SetMaxIdleConns(int(n))
	}
	if n := c.Metadata.MaxOpenConns; n > 0 {
		sqlDB.SetMaxOpenConns(int(n))
	}
	if d := c.Metadata.ConnMaxLifetime.AsDuration(); d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
	return db, nil
}

// NewRedis 未配置 addr 时返回 nil
func NewRedis(c *conf.Data) (*redis.Client, error) {
	if c.Redis == nil || c.Redis.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           int(c.Redis.Db),
		DialTimeout:  c.Redis.DialTimeout.AsDuration(),
		ReadTimeout:  c.Redis.ReadTimeout.AsDuration(),
		WriteTimeout: c.Redis.WriteTimeout.AsDuration(),
		PoolSize:     int(c.Redis.PoolSize),
		MinIdleConns: int(c.Redis.MinIdleConns),
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	return rdb, nil
}

// NewRocketMQProducer 配置了 topic 时创建并启动生产者
func NewRocketMQProducer(c *conf.Data) (rocketmq.Producer, error) {
	if c.Rocketmq == nil || c.Rocketmq.NameServer == "" || c.Rocketmq.Topic == "" {
		return nil, nil
	}
	p, err := rocketmq.NewProducer(
		producer.WithNameServer([]string{c.Rocketmq.NameServer}),
		producer.WithRetry(int(c.Rocketmq.RetryTimes)),
		producer.WithGroupName(c.Rocketmq.GroupName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rocketmq producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("failed to start rocketmq producer: %w", err)
	}
	return p, nil
}

// NewRocketMQConsumer 配置了 request_topic 时创建消费者，订阅和启动由 RunRequestSource 完成
func NewRocketMQConsumer(c *conf.Data) (rocketmq.PushConsumer, error) {
	if c.Rocketmq == nil || c.Rocketmq.NameServer == "" || c.Rocketmq.RequestTopic == "" {
		return nil, nil
	}
	consumerGroup := c.Rocketmq.GroupName + "_consumer"
	pc, err := rocketmq.NewPushConsumer(
		consumer.WithNameServer([]string{c.Rocketmq.NameServer}),
		consumer.WithConsumerModel(consumer.Clustering),
		consumer.WithGroupName(consumerGroup),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rocketmq consumer: %w", err)
	}
	return pc, nil
}

// NewPipelineConfig 由配置构建编排配置，raw_max_days 默认 180，workers 默认 1
func NewPipelineConfig(c *conf.Pipeline) (*biz.PipelineConfig, error) {
	if c == nil {
		return nil, &biz.ConfigError{Msg: "pipeline section is required"}
	}
	cfg := &biz.PipelineConfig{
		RawMaxDays: int(c.RawMaxDays),
		Workers:    int(c.Workers),
		Strict:     c.Strict,
		Domains:    make(map[string]biz.StageVersions, len(c.Domains)),
	}
	if cfg.RawMaxDays == 0 {
		cfg.RawMaxDays = biz.DefaultRawMaxDays
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	for name, d := range c.Domains {
		v := biz.DefaultStageVersions
		if d != nil && d.Versions != nil {
			if d.Versions.Raw != "" {
				v.Raw = d.Versions.Raw
			}
			if d.Versions.Core != "" {
				v.Core = d.Versions.Core
			}
			if d.Versions.Mart != "" {
				v.Mart = d.Versions.Mart
			}
		}
		if d != nil && len(d.Marts) > 0 {
			v.Marts = make(map[string]string, len(d.Marts))
			for level, m := range d.Marts {
				if m == nil {
					m = &conf.Mart{}
				}
				v.Marts[level] = m.Version
			}
		}
		cfg.Domains[name] = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewMetadataRepo 数据库已配置时使用 gorm 存储，否则使用文件系统
func NewMetadataRepo(c *conf.Data, d *Data, logger log.Logger) (biz.MetadataRepo, error) {
	if d.db != nil {
		return NewGormMetadataRepo(d.db, logger)
	}
	return NewFSMetadataRepo(c.Root, logger), nil
}

// NewOutputRepo 创建数据目录下的输出仓储
func NewOutputRepo(c *conf.Data, logger log.Logger) *FileOutputRepo {
	return NewFileOutputRepo(c.Root, logger)
}
