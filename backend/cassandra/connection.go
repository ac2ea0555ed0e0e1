package cassandra

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

// Config contains configuration for connecting to a Cassandra cluster and the glassdb keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string `json:"cluster_hosts"`
	// Keyspace is the keyspace holding the glassdb tables.
	Keyspace string `json:"keyspace,omitempty"`
	// Partition names the partition of the heads table a backend commits in.
	// Conditional batches are single partition, so all keys of a backend share it.
	Partition string `json:"partition,omitempty"`
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency `json:"consistency,omitempty"`
	// SerialConsistency is the consistency of the conditional (LWT) statements.
	SerialConsistency gocql.SerialConsistency `json:"-"`
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration `json:"connection_timeout,omitempty"`
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator `json:"-"`
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string `json:"replication_clause,omitempty"`

	// ConsistencyBook allows overriding per-API consistency levels.
	ConsistencyBook ConsistencyBook `json:"-"`
}

// ConsistencyBook enumerates per-API consistency levels used by this package.
type ConsistencyBook struct {
	HeadGet       gocql.Consistency
	VersionAdd    gocql.Consistency
	VersionGet    gocql.Consistency
	VersionRemove gocql.Consistency
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

const (
	metaTable     = "glassdb_meta"
	headsTable    = "glassdb_heads"
	versionsTable = "glassdb_versions"
)

// OpenConnection opens a session using the provided config and creates the
// keyspace and tables if they are missing.
func OpenConnection(config Config) (*Connection, error) {
	if config.Keyspace == "" {
		// default keyspace
		config.Keyspace = "glassdb"
	}
	if config.Partition == "" {
		config.Partition = "glassdb"
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	if config.SerialConsistency == 0 {
		config.SerialConsistency = gocql.LocalSerial
	}
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	cluster.SerialConsistency = config.SerialConsistency
	if config.ReplicationClause == "" {
		// Specify an appropriate replication feature.
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	if config.Authenticator != nil {
		cluster.Authenticator = config.Authenticator
		// Clear the authenticator just to be safer, we don't need to keep it hanging around.
		config.Authenticator = nil
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	ddl := []string{
		fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (path text PRIMARY KEY, payload blob, tags map<text, text>);", config.Keyspace, metaTable),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (part text, key text, latest bigint, deleted boolean, PRIMARY KEY (part, key));", config.Keyspace, headsTable),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (key text, version bigint, value blob, deleted boolean, PRIMARY KEY (key, version)) WITH CLUSTERING ORDER BY (version ASC);", config.Keyspace, versionsTable),
	}
	for _, stmt := range ddl {
		if err := s.Query(stmt).Exec(); err != nil {
			s.Close()
			return nil, err
		}
	}
	return &Connection{
		Session: s,
		Config:  config,
	}, nil
}

// Close the session.
func (c *Connection) Close() {
	if c == nil || c.Session == nil {
		return
	}
	c.Session.Close()
	c.Session = nil
}

func (c *Connection) table(name string) string {
	return c.Keyspace + "." + name
}
