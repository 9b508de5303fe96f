package index

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-sql-driver/mysql"
	jsoniter "github.com/json-iterator/go"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type SQLConfig struct {
	Address        string        `yaml:"address"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Database       string        `yaml:"database"`
	Table          string        `yaml:"table"`
	Column         string        `yaml:"column"`
	MaxConnections int           `yaml:"max_connections"`
	Timeout        time.Duration `yaml:"timeout"`
}

func (cfg *SQLConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "localhost:3306", "MySQL host and port.")
	f.StringVar(&cfg.User, prefix+".user", "", "MySQL user.")
	f.StringVar(&cfg.Password, prefix+".password", "", "MySQL password.")
	f.StringVar(&cfg.Database, prefix+".database", "tuplestream", "MySQL database.")
	f.StringVar(&cfg.Table, prefix+".table", "documents", "Table receiving one row per document.")
	f.StringVar(&cfg.Column, prefix+".column", "body", "JSON column holding the document.")
	f.IntVar(&cfg.MaxConnections, prefix+".max-connections", 4, "Maximum open connections.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 10*time.Second, "Dial, read and write timeout.")
}

// SQLClient stores each document as a JSON value in one row. A batch is a
// single multi-row INSERT, so it is committed or rejected as a whole.
type SQLClient struct {
	db     *sql.DB
	table  string
	column string
	logger log.Logger
}

// OpenSQLClient connects to MySQL.
func OpenSQLClient(cfg SQLConfig, logger log.Logger) (*SQLClient, error) {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = cfg.Address
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.DBName = cfg.Database
	mc.Timeout = cfg.Timeout
	mc.ReadTimeout = cfg.Timeout
	mc.WriteTimeout = cfg.Timeout

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("failed to configure mysql: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)

	c, err := NewSQLClient(db, cfg.Table, cfg.Column, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func NewSQLClient(db *sql.DB, table, column string, logger log.Logger) (*SQLClient, error) {
	if !tableName.MatchString(table) || !tableName.MatchString(column) {
		return nil, fmt.Errorf("invalid table %q or column %q", table, column)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SQLClient{db: db, table: table, column: column, logger: logger}, nil
}

func (c *SQLClient) Write(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	args := make([]any, len(docs))
	for i, d := range docs {
		body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode document %d: %w", i, err)
		}
		args[i] = string(body)
	}

	query := fmt.Sprintf("INSERT INTO `%s` (`%s`) VALUES %s",
		c.table, c.column, strings.TrimSuffix(strings.Repeat("(?),", len(docs)), ","))
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert %d documents: %w", len(docs), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %d documents: %w", len(docs), err)
	}
	if n != int64(len(docs)) {
		return errors.New("insert affected fewer rows than documents")
	}
	level.Debug(c.logger).Log("msg", "wrote batch", "table", c.table, "docs", n)
	return nil
}

func (c *SQLClient) Close() error {
	return c.db.Close()
}
