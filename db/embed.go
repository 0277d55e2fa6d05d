// Package db embeds the gateway's database schema.
package db

import _ "embed"

// Schema contains the DDL for the integration tables (api_keys, webhooks,
// webhook_deliveries).
//
//go:embed migrations/001_schema.sql
var Schema string
