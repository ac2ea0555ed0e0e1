// Package redis provides a Redis backed glassdb.LockClient, letting several
// processes that share one storage backend agree on commit locks.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis configurable options.
type Options struct {
	// Redis server(cluster) address.
	Address string `json:"address"`
	// Password required when connecting to the Redis server.
	Password string `json:"password,omitempty"`
	// DB to connect to.
	DB int `json:"db,omitempty"`
	// TLS config.
	TLSConfig *tls.Config `json:"-"`
}

// Connection contains Redis client connection object and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// DefaultOptions.
func DefaultOptions() Options {
	return Options{
		Address:  "localhost:6379",
		Password: "", // no password set
		DB:       0,  // use default DB
	}
}

// OpenConnection creates a client for options. No round trip is made; use
// Ping to check the server is reachable.
func OpenConnection(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB})

	return &Connection{
		Client:  client,
		Options: options,
	}
}

// Ping tests connectivity for redis (PONG should be returned)
func (c *Connection) Ping(ctx context.Context) error {
	if c == nil || c.Client == nil {
		return errNotOpen
	}
	return c.Client.Ping(ctx).Err()
}

// Close the connection if open.
func (c *Connection) Close() error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}

var errNotOpen = fmt.Errorf("redis connection is not open")
