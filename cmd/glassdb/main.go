// Command glassdb serves a glassdb database over HTTP.
//
// The storage backend is in-memory, S3 or Cassandra. Several processes can
// serve the same S3 or Cassandra database when they share a Redis lock table.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	log "log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/backend/cassandra"
	"github.com/sharedcode/glassdb/backend/memory"
	"github.com/sharedcode/glassdb/backend/s3"
	"github.com/sharedcode/glassdb/database"
	"github.com/sharedcode/glassdb/redis"
	"github.com/sharedcode/glassdb/restapi"
)

// Config holds the server configuration
type Config struct {
	Port int    `json:"port"`
	Name string `json:"name"`
	// Backend is "memory", "s3" or "cassandra".
	Backend      string           `json:"backend"`
	S3           s3.Config        `json:"s3,omitempty"`
	CreateBucket bool             `json:"create_bucket,omitempty"`
	Cassandra    cassandra.Config `json:"cassandra,omitempty"`
	// Redis, when set, replaces the in-process lock table.
	Redis *redis.Options  `json:"redis,omitempty"`
	DB    glassdb.Options `json:"db,omitempty"`
	REST  restapi.Options `json:"rest,omitempty"`

	// CLI only fields.
	ConfigFile string `json:"-"`
	RedisURL   string `json:"-"`
}

func main() {
	glassdb.ConfigureLogging()

	var config Config
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.IntVar(&config.Port, "port", 8080, "Port to run the server on")
	flag.StringVar(&config.Name, "name", "glassdb", "Database name (alphanumeric)")
	flag.StringVar(&config.Backend, "backend", "memory", "Storage backend: 'memory', 's3' or 'cassandra'")
	flag.StringVar(&config.ConfigFile, "config", "", "Path to configuration file (optional)")
	flag.StringVar(&config.RedisURL, "redis", "", "Redis address for a shared lock table (e.g. localhost:6379)")
	flag.Parse()

	if showVersion {
		fmt.Printf("glassdb v%s\n", glassdb.LibraryVersion)
		os.Exit(0)
	}

	if config.ConfigFile != "" {
		if err := loadConfig(config.ConfigFile, &config); err != nil {
			log.Error(fmt.Sprintf("Failed to load config file: %v", err))
			os.Exit(1)
		}
	}
	if config.RedisURL != "" && config.Redis == nil {
		o := redis.DefaultOptions()
		o.Address = config.RedisURL
		config.Redis = &o
	}
	// Keep secrets out of the config file when possible.
	if token := os.Getenv("GLASSDB_REST_TOKEN"); token != "" {
		config.REST.Token = token
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, config); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// loadConfig overlays the JSON file at path on config.
func loadConfig(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("parsing %s failed: %w", path, err)
	}
	return nil
}

// withRetry retries connect on any error with the glassdb Fibonacci schedule.
func withRetry(ctx context.Context, what string, connect func(ctx context.Context) error) error {
	return glassdb.Retry(ctx, func(ctx context.Context) error {
		if err := connect(ctx); err != nil {
			log.Warn("connecting failed, retrying", "to", what, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	}, nil)
}

// openBackend returns the configured backend and a function releasing it.
func openBackend(ctx context.Context, config Config) (glassdb.Backend, func(), error) {
	switch strings.ToLower(config.Backend) {
	case "", "memory":
		return memory.New(), func() {}, nil
	case "s3":
		client := s3.Connect(config.S3)
		if config.CreateBucket {
			if err := withRetry(ctx, "s3", func(ctx context.Context) error {
				return s3.EnsureBucket(ctx, client, config.S3.Bucket, config.S3.Region)
			}); err != nil {
				return nil, nil, err
			}
		}
		b, err := s3.NewBucket(client, config.S3.Bucket)
		return b, func() {}, err
	case "cassandra":
		var conn *cassandra.Connection
		if err := withRetry(ctx, "cassandra", func(ctx context.Context) error {
			c, err := cassandra.OpenConnection(config.Cassandra)
			conn = c
			return err
		}); err != nil {
			return nil, nil, err
		}
		s, err := cassandra.NewStore(conn)
		return s, conn.Close, err
	}
	return nil, nil, fmt.Errorf("unknown backend %q", config.Backend)
}

// openLocker returns the shared Redis lock table when configured, nil otherwise.
func openLocker(ctx context.Context, config Config) (glassdb.LockClient, func(), error) {
	if config.Redis == nil {
		return nil, func() {}, nil
	}
	conn := redis.OpenConnection(*config.Redis)
	if err := withRetry(ctx, "redis", conn.Ping); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return redis.NewLocker(conn, config.Name), func() { conn.Close() }, nil
}

func run(ctx context.Context, config Config) error {
	backend, closeBackend, err := openBackend(ctx, config)
	if err != nil {
		return err
	}
	defer closeBackend()
	locker, closeLocker, err := openLocker(ctx, config)
	if err != nil {
		return err
	}
	defer closeLocker()

	opts := config.DB
	opts.Locker = locker
	db, err := database.Open(ctx, config.Name, backend, opts)
	if err != nil {
		return err
	}
	defer db.Close(context.Background())

	router, err := restapi.NewRouter(db, config.REST)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("serving", "db", config.Name, "backend", config.Backend, "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
