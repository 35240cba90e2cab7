// Package testinfra connects integration tests to real MySQL and Redis
// instances backing the idempotent repositories. Tests skip when the
// infrastructure is not reachable.
package testinfra

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"readlock/idempotent/mysql"
	rlredis "readlock/idempotent/redis"
)

// DefaultConfig returns default test configuration
func DefaultConfig() TestConfig {
	return TestConfig{
		MySQLDSN:      getEnvOrDefault("READLOCK_TEST_MYSQL_DSN", "root:123456@tcp(localhost:3306)/readlock_test?parseTime=true"),
		RedisAddr:     getEnvOrDefault("READLOCK_TEST_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnvOrDefault("READLOCK_TEST_REDIS_PASSWORD", ""),
		RedisDB:       0,
		PingTimeout:   2 * time.Second,
	}
}

// TestConfig holds test configuration
type TestConfig struct {
	MySQLDSN      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PingTimeout   time.Duration
}

// TestInfrastructure holds live connections and repositories scoped to one test run.
type TestInfrastructure struct {
	DB     *sql.DB
	Redis  *redis.Client
	Config TestConfig
	testID string
	table  string
}

// NewMySQL connects to MySQL, creating a per-run idempotent table.
// It skips the test if MySQL is not available.
func NewMySQL(t *testing.T) *TestInfrastructure {
	t.Helper()
	cfg := DefaultConfig()
	ti := newInfrastructure(cfg)

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		t.Skipf("Skipping test: MySQL connection failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("Skipping test: MySQL ping failed: %v", err)
	}
	ti.DB = db

	if err := ti.MySQLRepository().EnsureSchema(ctx); err != nil {
		db.Close()
		t.Fatalf("create table %s: %v", ti.table, err)
	}
	t.Cleanup(func() { ti.cleanupMySQL(t) })
	return ti
}

// NewRedis connects to Redis. It skips the test if Redis is not available.
func NewRedis(t *testing.T) *TestInfrastructure {
	t.Helper()
	cfg := DefaultConfig()
	ti := newInfrastructure(cfg)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Skipping test: Redis ping failed: %v", err)
	}
	ti.Redis = client
	t.Cleanup(func() { ti.cleanupRedis(t) })
	return ti
}

func newInfrastructure(cfg TestConfig) *TestInfrastructure {
	id := fmt.Sprintf("test%d", time.Now().UnixNano())
	return &TestInfrastructure{
		Config: cfg,
		testID: id,
		table:  "readlock_idempotent_" + id,
	}
}

// TestID returns the unique test identifier
func (ti *TestInfrastructure) TestID() string {
	return ti.testID
}

// MySQLRepository returns a repository over this run's table. Each call gets
// its own owner token unless opts set one.
func (ti *TestInfrastructure) MySQLRepository(opts ...mysql.Option) *mysql.Repository {
	all := append([]mysql.Option{mysql.WithTable(ti.table)}, opts...)
	return mysql.New(ti.DB, all...)
}

// RedisRepository returns a repository whose keys are prefixed with the
// test ID. Each call gets its own owner token, like a separate node.
func (ti *TestInfrastructure) RedisRepository(opts ...rlredis.Option) *rlredis.Repository {
	all := append([]rlredis.Option{rlredis.WithPrefix(ti.redisPrefix())}, opts...)
	return rlredis.New(ti.Redis, all...)
}

func (ti *TestInfrastructure) redisPrefix() string {
	return "readlock:" + ti.testID + ":"
}

func (ti *TestInfrastructure) cleanupMySQL(t *testing.T) {
	t.Helper()
	if _, err := ti.DB.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+ti.table); err != nil {
		t.Logf("Warning: failed to drop %s: %v", ti.table, err)
	}
	ti.DB.Close()
}

func (ti *TestInfrastructure) cleanupRedis(t *testing.T) {
	t.Helper()
	if err := ti.RedisRepository().Clear(context.Background()); err != nil {
		t.Logf("Warning: failed to cleanup redis keys: %v", err)
	}
	ti.Redis.Close()
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
