// Package storage owns the transactional store boundary: connection
// setup, schema, and the raw table shapes backing the ledger, order
// store and trade log.
package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// convertURIToDSN converts a TiDB Cloud URI to MySQL DSN format
// Supports both mysql:// URI format and traditional DSN format
func convertURIToDSN(connectionString string) (string, error) {
	// If it doesn't start with mysql://, assume it's already a DSN
	if !strings.HasPrefix(connectionString, "mysql://") {
		return connectionString, nil
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}

	if u.Scheme != "mysql" {
		return "", fmt.Errorf("unsupported scheme: %s (expected mysql)", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}

	var userInfo string
	if u.User != nil {
		username := u.User.Username()
		password, _ := u.User.Password()
		if password != "" {
			userInfo = username + ":" + password
		} else {
			userInfo = username
		}
	}

	// Get database name from path
	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = "test" // Default database name
	}

	// Build DSN: user:password@tcp(host:port)/database
	dsn := fmt.Sprintf("%s@tcp(%s)/%s", userInfo, u.Host, database)

	// Add default query parameters for TiDB compatibility
	defaultParams := url.Values{
		"parseTime": []string{"true"},
		"charset":   []string{"utf8mb4"},
		"collation": []string{"utf8mb4_unicode_ci"},
	}

	// Merge with existing query parameters (existing params take precedence)
	existingParams := u.Query()
	for key, values := range defaultParams {
		if !existingParams.Has(key) {
			existingParams[key] = values
		}
	}

	// Add query parameters if any
	if len(existingParams) > 0 {
		dsn += "?" + existingParams.Encode()
	}

	return dsn, nil
}

// Connect establishes a connection to the MySQL/TiDB database
// using the DB_DSN environment variable
// Supports both traditional DSN format and TiDB Cloud URI format
func Connect() (*sql.DB, error) {
	connectionString := os.Getenv("DB_DSN")
	if connectionString == "" {
		return nil, fmt.Errorf("DB_DSN environment variable is required")
	}

	// Convert URI to DSN if needed
	dsn, err := convertURIToDSN(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to process connection string: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	return db, nil
}

// schema is the logical table set: Users, Instruments, UserBalance,
// Orders, Trades, plus the indexes the order store's price-time scans
// depend on.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            CHAR(36)     PRIMARY KEY,
	name          VARCHAR(255) NOT NULL,
	role          VARCHAR(16)  NOT NULL,
	api_key_hash  VARBINARY(255) NOT NULL,
	created_at    DATETIME(6)  NOT NULL
);

CREATE TABLE IF NOT EXISTS instruments (
	ticker VARCHAR(10) PRIMARY KEY,
	name   VARCHAR(255) NOT NULL
);

CREATE TABLE IF NOT EXISTS user_balance (
	user_id  CHAR(36)     NOT NULL,
	ticker   VARCHAR(10)  NOT NULL,
	total    DECIMAL(38,0) NOT NULL DEFAULT 0,
	reserved DECIMAL(38,0) NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, ticker)
);

CREATE TABLE IF NOT EXISTS orders (
	id         CHAR(36)      PRIMARY KEY,
	user_id    CHAR(36)      NOT NULL,
	ticker     VARCHAR(10)   NOT NULL,
	direction  VARCHAR(4)    NOT NULL,
	kind       VARCHAR(8)    NOT NULL,
	qty        DECIMAL(38,0) NOT NULL,
	price      DECIMAL(38,0) NULL,
	filled     DECIMAL(38,0) NOT NULL DEFAULT 0,
	status     VARCHAR(16)   NOT NULL,
	timestamp  DATETIME(6)   NOT NULL,
	INDEX idx_orders_book (ticker, direction, status, price, timestamp),
	INDEX idx_orders_user (user_id)
);

CREATE TABLE IF NOT EXISTS trades (
	id             CHAR(36)      PRIMARY KEY,
	ticker         VARCHAR(10)   NOT NULL,
	maker_order_id CHAR(36)      NOT NULL,
	taker_order_id CHAR(36)      NOT NULL,
	buyer_id       CHAR(36)      NOT NULL,
	seller_id      CHAR(36)      NOT NULL,
	qty            DECIMAL(38,0) NOT NULL,
	price          DECIMAL(38,0) NOT NULL,
	timestamp      DATETIME(6)   NOT NULL,
	INDEX idx_trades_ticker (ticker, timestamp),
	INDEX idx_trades_buyer (buyer_id),
	INDEX idx_trades_seller (seller_id)
);
`

// Migrate applies the schema. It is idempotent: every statement is
// CREATE TABLE IF NOT EXISTS.
func Migrate(db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
