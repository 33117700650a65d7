// Package migrate holds the SQL schema of the relational store backends and
// applies it with ent's migration engine.
package migrate

import (
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const (
	// RecordsTableName stores one row per conversation key.
	RecordsTableName = "statestore_records"
	// LogTableName stores the entries of every event log.
	LogTableName = "statestore_log"
)

var timeSchemaType = map[string]string{
	dialect.Postgres: "TIMESTAMPTZ",
	dialect.SQLite:   "DATETIME",
}

// Tables returns fresh table definitions. The migration engine annotates the
// values it is given, so each call builds new ones.
func Tables() []*schema.Table {
	recordsColumns := []*schema.Column{
		{Name: "key", Type: field.TypeString, Size: 1024},
		{Name: "value", Type: field.TypeBytes},
		{Name: "updated_at", Type: field.TypeTime, SchemaType: timeSchemaType},
	}
	records := &schema.Table{
		Name:       RecordsTableName,
		Columns:    recordsColumns,
		PrimaryKey: []*schema.Column{recordsColumns[0]},
	}

	logColumns := []*schema.Column{
		{Name: "id", Type: field.TypeInt64, Increment: true},
		{Name: "stream", Type: field.TypeString, Size: 1024},
		// NULL marks an entry written without a payload.
		{Name: "payload", Type: field.TypeBytes, Nullable: true},
		{Name: "created_at", Type: field.TypeTime, SchemaType: timeSchemaType},
	}
	log := &schema.Table{
		Name:       LogTableName,
		Columns:    logColumns,
		PrimaryKey: []*schema.Column{logColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "statestore_log_stream_id",
				Unique:  false,
				Columns: []*schema.Column{logColumns[1], logColumns[0]},
			},
		},
	}
	return []*schema.Table{records, log}
}
