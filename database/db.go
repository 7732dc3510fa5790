package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/flowguard-io/flowguard/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createAutomationRuleTable(db)
	if err != nil {
		return nil, err
	}
	err = createAuditDecisionTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createAutomationRuleTable creates a PostgreSQL table for automation rules
func createAutomationRuleTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS automation_rules (
			id SERIAL PRIMARY KEY,
			rule_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			name TEXT,
			action_type TEXT NOT NULL,
			effect TEXT NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			conditions JSONB NOT NULL DEFAULT '[]',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_automation_rules_tenant_action
			ON automation_rules (tenant_id, action_type) WHERE enabled;
	`)
	return err
}

// createAuditDecisionTable creates a PostgreSQL table for pipeline decision rows
func createAuditDecisionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_decisions (
			id SERIAL PRIMARY KEY,
			audit_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			rule_id TEXT,
			idempotency_key TEXT,
			outcome TEXT NOT NULL,
			reason TEXT,
			was_replay BOOLEAN NOT NULL DEFAULT FALSE,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_decisions_tenant
			ON audit_decisions (tenant_id, created_at);
	`)
	return err
}
