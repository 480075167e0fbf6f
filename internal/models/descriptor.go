package models

import "fmt"

// FieldDef declares one column of a model table.
type FieldDef struct {
	Name    string
	SQLType string
}

// EmbeddingField binds a text field to the provider that embeds it.
type EmbeddingField struct {
	Field    string
	Provider string
}

// ModelDescriptor is the explicit, data-driven description of a model that
// the repository and storage provider operate on. Schema generation is
// derived from it; there is no runtime reflection over entity structs.
type ModelDescriptor struct {
	Table             string
	EntityType        string
	PrimaryKey        string
	Fields            []FieldDef
	EmbeddingFields   []EmbeddingField
	NameFields        []string
	TenantIsolated    bool
	UniqueConstraints [][]string
}

// Validate checks internal consistency of the descriptor.
func (d ModelDescriptor) Validate() error {
	if d.Table == "" {
		return fmt.Errorf("descriptor has no table name")
	}
	if d.PrimaryKey == "" {
		return fmt.Errorf("descriptor %q has no primary key", d.Table)
	}
	if !d.HasField(d.PrimaryKey) {
		return fmt.Errorf("descriptor %q: primary key %q not among fields", d.Table, d.PrimaryKey)
	}
	for _, ef := range d.EmbeddingFields {
		if !d.HasField(ef.Field) {
			return fmt.Errorf("descriptor %q: embedding field %q not among fields", d.Table, ef.Field)
		}
		if ef.Provider == "" {
			return fmt.Errorf("descriptor %q: embedding field %q has no provider", d.Table, ef.Field)
		}
	}
	for _, nf := range d.NameFields {
		if !d.HasField(nf) {
			return fmt.Errorf("descriptor %q: name field %q not among fields", d.Table, nf)
		}
	}
	return nil
}

// HasField reports whether the descriptor declares the named column.
func (d ModelDescriptor) HasField(name string) bool {
	for _, f := range d.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// EmbeddingTable returns the parallel embeddings table, schema-qualified.
func (d ModelDescriptor) EmbeddingTable() string {
	return fmt.Sprintf("embeddings.%s_embeddings", d.Table)
}

func commonFields() []FieldDef {
	return []FieldDef{
		{Name: "id", SQLType: "UUID"},
		{Name: "tenant_id", SQLType: "TEXT NOT NULL"},
		{Name: "metadata", SQLType: "JSONB NOT NULL DEFAULT '{}'"},
		{Name: "created_at", SQLType: "TIMESTAMPTZ NOT NULL DEFAULT now()"},
		{Name: "updated_at", SQLType: "TIMESTAMPTZ NOT NULL DEFAULT now()"},
	}
}

// ResourceDescriptor describes the resources table. textProvider is the
// embedding provider id bound to the content field.
func ResourceDescriptor(textProvider string) ModelDescriptor {
	fields := append(commonFields(),
		FieldDef{Name: "name", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "category", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "content", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "summary", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "uri", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "resource_type", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "resource_timestamp", SQLType: "TIMESTAMPTZ"},
		FieldDef{Name: "related_entities", SQLType: "JSONB NOT NULL DEFAULT '[]'"},
		FieldDef{Name: "graph_paths", SQLType: "JSONB NOT NULL DEFAULT '[]'"},
	)
	return ModelDescriptor{
		Table:             TableResources,
		EntityType:        EntityTypeResource,
		PrimaryKey:        "id",
		Fields:            fields,
		EmbeddingFields:   []EmbeddingField{{Field: "content", Provider: textProvider}},
		NameFields:        []string{"name"},
		TenantIsolated:    true,
		UniqueConstraints: [][]string{{"tenant_id", "name", "resource_type"}},
	}
}

// MomentDescriptor describes the moments table.
func MomentDescriptor(textProvider string) ModelDescriptor {
	fields := append(commonFields(),
		FieldDef{Name: "name", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "moment_type", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "content", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "summary", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "resource_timestamp", SQLType: "TIMESTAMPTZ NOT NULL"},
		FieldDef{Name: "resource_ends_timestamp", SQLType: "TIMESTAMPTZ NOT NULL"},
		FieldDef{Name: "emotion_tags", SQLType: "JSONB NOT NULL DEFAULT '[]'"},
		FieldDef{Name: "topic_tags", SQLType: "JSONB NOT NULL DEFAULT '[]'"},
		FieldDef{Name: "present_persons", SQLType: "JSONB NOT NULL DEFAULT '{}'"},
		FieldDef{Name: "speakers", SQLType: "JSONB NOT NULL DEFAULT '{}'"},
		FieldDef{Name: "location", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "graph_paths", SQLType: "JSONB NOT NULL DEFAULT '[]'"},
	)
	return ModelDescriptor{
		Table:           TableMoments,
		EntityType:      EntityTypeMoment,
		PrimaryKey:      "id",
		Fields:          fields,
		EmbeddingFields: []EmbeddingField{{Field: "content", Provider: textProvider}},
		NameFields:      []string{"name"},
		TenantIsolated:  true,
	}
}

// SessionDescriptor describes the sessions table. Sessions are searchable
// on the query text.
func SessionDescriptor(textProvider string) ModelDescriptor {
	fields := append(commonFields(),
		FieldDef{Name: "name", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "thread_id", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "userid", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "query", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "agent", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "session_type", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "moment_id", SQLType: "UUID"},
		FieldDef{Name: "graph_paths", SQLType: "JSONB NOT NULL DEFAULT '[]'"},
	)
	return ModelDescriptor{
		Table:           TableSessions,
		EntityType:      EntityTypeSession,
		PrimaryKey:      "id",
		Fields:          fields,
		EmbeddingFields: []EmbeddingField{{Field: "query", Provider: textProvider}},
		NameFields:      []string{"name"},
		TenantIsolated:  true,
	}
}

// ImageDescriptor describes the images table. The caption carries the
// semantic signal until a content-based path exists.
func ImageDescriptor(imageProvider string) ModelDescriptor {
	fields := append(commonFields(),
		FieldDef{Name: "name", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "uri", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "caption", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "source", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "width", SQLType: "INTEGER NOT NULL DEFAULT 0"},
		FieldDef{Name: "height", SQLType: "INTEGER NOT NULL DEFAULT 0"},
		FieldDef{Name: "mime_type", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "tags", SQLType: "JSONB NOT NULL DEFAULT '[]'"},
	)
	return ModelDescriptor{
		Table:           TableImages,
		EntityType:      EntityTypeImage,
		PrimaryKey:      "id",
		Fields:          fields,
		EmbeddingFields: []EmbeddingField{{Field: "caption", Provider: imageProvider}},
		NameFields:      []string{"name"},
		TenantIsolated:  true,
	}
}

// JobDescriptor describes the dreaming_jobs table. Jobs are internal
// bookkeeping; they have no embedding or name fields.
func JobDescriptor() ModelDescriptor {
	fields := append(commonFields(),
		FieldDef{Name: "mode", SQLType: "TEXT NOT NULL"},
		FieldDef{Name: "status", SQLType: "TEXT NOT NULL DEFAULT 'pending'"},
		FieldDef{Name: "batch_id", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "data_window", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "result", SQLType: "JSONB NOT NULL DEFAULT '{}'"},
		FieldDef{Name: "last_error", SQLType: "TEXT NOT NULL DEFAULT ''"},
		FieldDef{Name: "attempts", SQLType: "INTEGER NOT NULL DEFAULT 0"},
	)
	return ModelDescriptor{
		Table:             "dreaming_jobs",
		EntityType:        "job",
		PrimaryKey:        "id",
		Fields:            fields,
		TenantIsolated:    true,
		UniqueConstraints: [][]string{{"tenant_id", "mode", "data_window"}},
	}
}

// CoreDescriptors returns the built-in descriptors for the four REM tables,
// keyed by table name.
func CoreDescriptors(textProvider, imageProvider string) map[string]ModelDescriptor {
	return map[string]ModelDescriptor{
		TableResources: ResourceDescriptor(textProvider),
		TableMoments:   MomentDescriptor(textProvider),
		TableSessions:  SessionDescriptor(textProvider),
		TableImages:    ImageDescriptor(imageProvider),
	}
}
