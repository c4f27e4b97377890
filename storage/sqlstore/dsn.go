package sqlstore

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLConfig describes a MySQL-protocol connection. SingleStore speaks the
// same wire protocol.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
	Timeout  time.Duration
}

// MySQLDSN renders cfg as a go-sql-driver/mysql DSN.
func MySQLDSN(cfg MySQLConfig) string {
	mysqlCfg := mysql.NewConfig()
	mysqlCfg.User = cfg.User
	mysqlCfg.Passwd = cfg.Password
	mysqlCfg.Net = "tcp"
	mysqlCfg.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mysqlCfg.DBName = cfg.Database
	mysqlCfg.AllowNativePasswords = true
	mysqlCfg.Timeout = cfg.Timeout
	if cfg.TLS {
		mysqlCfg.TLSConfig = "true"
	}
	mysqlCfg.Params = map[string]string{
		"charset": "utf8mb4",
	}

	return mysqlCfg.FormatDSN()
}

// SQLiteDSN returns a DSN for a SQLite database file with a busy timeout so
// concurrent writers wait instead of failing.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}
