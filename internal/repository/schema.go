package repository

// Schema definitions for the Tariff database.
// Compatible with both SQLite and PostgreSQL.

const schemaPricingRules = `
CREATE TABLE IF NOT EXISTS pricing_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    area_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1,
    priority INTEGER NOT NULL DEFAULT 0,
    applies_when TEXT NOT NULL DEFAULT '',
    definition TEXT NOT NULL,
    currency TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_pricing_rules_tenant ON pricing_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_pricing_rules_area ON pricing_rules(tenant_id, area_id);
`

// schemaQuotes keeps every computed quote. price is NULL when the rule
// produced no price.
const schemaQuotes = `
CREATE TABLE IF NOT EXISTS quotes (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    area_id TEXT NOT NULL DEFAULT '',
    rule_version INTEGER NOT NULL,
    context TEXT NOT NULL,
    price DOUBLE PRECISION,
    branch TEXT NOT NULL,
    currency TEXT NOT NULL,
    display TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quotes_tenant ON quotes(tenant_id);
CREATE INDEX IF NOT EXISTS idx_quotes_rule ON quotes(tenant_id, rule_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPricingRules,
		schemaQuotes,
	}
}
