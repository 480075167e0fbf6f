package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity type identifiers used in the reverse name index and REM results.
const (
	EntityTypeResource = "resource"
	EntityTypeMoment   = "moment"
	EntityTypeSession  = "session"
	EntityTypeImage    = "image"
)

// Stable table identifiers exposed through the REM contract.
const (
	TableResources = "resources"
	TableMoments   = "moments"
	TableSessions  = "sessions"
	TableImages    = "images"
)

// JSONMap handles JSONB database columns
type JSONMap map[string]interface{}

// Scan implements sql.Scanner
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return fmt.Errorf("unsupported JSONB source type %T", value)
		}
	}
	return json.Unmarshal(bytes, j)
}

// Value implements driver.Valuer
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	return json.Marshal(j)
}

// StringList handles JSONB string-array columns (tags and the like)
type StringList []string

func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(bytes, s)
}

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

// GraphPath is a directed typed edge carried inside the source entity's
// graph_paths column. Destinations are ids or names, never pointers, so the
// stored form is acyclic; cycles only appear during traversal.
type GraphPath struct {
	Dst        string                 `json:"dst"`
	RelType    string                 `json:"rel_type"`
	Weight     float64                `json:"weight"`
	CreatedAt  time.Time              `json:"created_at"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// GraphPaths is the JSONB binding for a set of edges.
type GraphPaths []GraphPath

func (g *GraphPaths) Scan(value interface{}) error {
	if value == nil {
		*g = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(bytes, g)
}

func (g GraphPaths) Value() (driver.Value, error) {
	if g == nil {
		return "[]", nil
	}
	return json.Marshal(g)
}

// Merge adds edge into the set, replacing an existing (dst, rel_type) edge
// only when the new weight is higher. Returns true when the set changed.
func (g *GraphPaths) Merge(edge GraphPath) bool {
	for i, existing := range *g {
		if existing.Dst == edge.Dst && existing.RelType == edge.RelType {
			if edge.Weight > existing.Weight {
				(*g)[i] = edge
				return true
			}
			return false
		}
	}
	*g = append(*g, edge)
	return true
}

// RelatedEntity is one extracted entity descriptor attached to a Resource.
type RelatedEntity struct {
	EntityID   string  `json:"entity_id"`
	EntityType string  `json:"entity_type"`
	EntityName string  `json:"entity_name"`
	Context    string  `json:"context,omitempty"`
	Confidence float64 `json:"confidence"`
}

// RelatedEntities is the JSONB binding for the ordered extraction list.
type RelatedEntities []RelatedEntity

func (r *RelatedEntities) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(bytes, r)
}

func (r RelatedEntities) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	return json.Marshal(r)
}

// Resource is the canonical content unit; everything else derives from it.
type Resource struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	TenantID          string          `json:"tenant_id" db:"tenant_id"`
	Name              string          `json:"name" db:"name"`
	Category          string          `json:"category" db:"category"`
	Content           string          `json:"content" db:"content"`
	Summary           string          `json:"summary" db:"summary"`
	URI               string          `json:"uri" db:"uri"`
	ResourceType      string          `json:"resource_type" db:"resource_type"`
	ResourceTimestamp *time.Time      `json:"resource_timestamp,omitempty" db:"resource_timestamp"`
	RelatedEntities   RelatedEntities `json:"related_entities" db:"related_entities"`
	GraphPaths        GraphPaths      `json:"graph_paths" db:"graph_paths"`
	Metadata          JSONMap         `json:"metadata" db:"metadata"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Moment types recognized by the extractor. The column is free text; these
// are the values the extractor is prompted to produce.
const (
	MomentTypeMeeting      = "meeting"
	MomentTypeConversation = "conversation"
	MomentTypeReflection   = "reflection"
	MomentTypePlanning     = "planning"
	MomentTypeObservation  = "observation"
)

// Person describes one participant in a Moment.
type Person struct {
	Label string `json:"label"`
	Role  string `json:"role,omitempty"`
}

// Speaker is a participant with measured speaking time.
type Speaker struct {
	Label               string  `json:"label"`
	SpeakingTimeSeconds float64 `json:"speaking_time_seconds"`
}

/// PersonMap binds present_persons JSONB: person-key -> descriptor.
type PersonMap map[string]Person

func (p *PersonMap) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(bytes, p)
}

func (p PersonMap) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	return json.Marshal(p)
}

// SpeakerMap binds speakers JSONB: person-key -> speaker descriptor.
type SpeakerMap map[string]Speaker

func (s *SpeakerMap) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(bytes, s)
}

func (s SpeakerMap) Value() (driver.Value, error) {
	if s == nil {
		return "{}", nil
	}
	return json.Marshal(s)
}

// Moment is a temporal slice derived from one or more Resources.
type Moment struct {
	ID                    uuid.UUID  `json:"id" db:"id"`
	TenantID              string     `json:"tenant_id" db:"tenant_id"`
	Name                  string     `json:"name" db:"name"`
	MomentType            string     `json:"moment_type" db:"moment_type"`
	Content               string     `json:"content" db:"content"`
	Summary               string     `json:"summary" db:"summary"`
	ResourceTimestamp     time.Time  `json:"resource_timestamp" db:"resource_timestamp"`
	ResourceEndsTimestamp time.Time  `json:"resource_ends_timestamp" db:"resource_ends_timestamp"`
	EmotionTags           StringList `json:"emotion_tags" db:"emotion_tags"`
	TopicTags             StringList `json:"topic_tags" db:"topic_tags"`
	PresentPersons        PersonMap  `json:"present_persons" db:"present_persons"`
	Speakers              SpeakerMap `json:"speakers" db:"speakers"`
	Location              string     `json:"location" db:"location"`
	GraphPaths            GraphPaths `json:"graph_paths" db:"graph_paths"`
	Metadata              JSONMap    `json:"metadata" db:"metadata"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// Moment duration bounds. Spans outside these limits are flagged as
// warnings, never rejected.
const (
	MinMomentDuration = time.Minute
	MaxMomentDuration = 8 * time.Hour
)

// Validate checks temporal validity and the speakers/present_persons
// relationship. It returns a hard error for violations and a list of
// warnings for out-of-bounds durations.
func (m *Moment) Validate() ([]string, error) {
	if m.ResourceEndsTimestamp.Before(m.ResourceTimestamp) {
		return nil, fmt.Errorf("moment %q ends before it starts", m.Name)
	}
	for key := range m.Speakers {
		if _, ok := m.PresentPersons[key]; !ok {
			return nil, fmt.Errorf("moment %q: speaker %q not among present persons", m.Name, key)
		}
	}
	var warnings []string
	d := m.ResourceEndsTimestamp.Sub(m.ResourceTimestamp)
	if d < MinMomentDuration {
		warnings = append(warnings, fmt.Sprintf("moment %q shorter than %s", m.Name, MinMomentDuration))
	}
	if d > MaxMomentDuration {
		warnings = append(warnings, fmt.Sprintf("moment %q longer than %s", m.Name, MaxMomentDuration))
	}
	return warnings, nil
}

// Session is one turn of a conversation thread. Messages live inside
// Metadata under the "messages" key; long message bodies are compressed
// into KV sidecar entries by the session manager.
type Session struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	Name        string     `json:"name" db:"name"`
	ThreadID    string     `json:"thread_id" db:"thread_id"`
	UserID      string     `json:"userid" db:"userid"`
	Query       string     `json:"query" db:"query"`
	Agent       string     `json:"agent" db:"agent"`
	SessionType string     `json:"session_type" db:"session_type"`
	MomentID    *uuid.UUID `json:"moment_id,omitempty" db:"moment_id"`
	GraphPaths  GraphPaths `json:"graph_paths" db:"graph_paths"`
	Metadata    JSONMap    `json:"metadata" db:"metadata"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Image is an ingested picture; embedding currently derives from the caption.
type Image struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	Name      string     `json:"name" db:"name"`
	URI       string     `json:"uri" db:"uri"`
	Caption   string     `json:"caption" db:"caption"`
	Source    string     `json:"source" db:"source"`
	Width     int        `json:"width" db:"width"`
	Height    int        `json:"height" db:"height"`
	MimeType  string     `json:"mime_type" db:"mime_type"`
	Tags      StringList `json:"tags" db:"tags"`
	Metadata  JSONMap    `json:"metadata" db:"metadata"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// EmbeddingRecord is one row of an embeddings.<table>_embeddings table.
// (entity_id, field_name, tenant_id) is the uniqueness key.
type EmbeddingRecord struct {
	ID                uuid.UUID `json:"id" db:"id"`
	EntityID          uuid.UUID `json:"entity_id" db:"entity_id"`
	FieldName         string    `json:"field_name" db:"field_name"`
	EmbeddingProvider string    `json:"embedding_provider" db:"embedding_provider"`
	VectorDimension   int       `json:"vector_dimension" db:"vector_dimension"`
	TenantID          string    `json:"tenant_id" db:"tenant_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// NameEntry is the reverse name index value stored at
// "<tenant_id>/<name>/<entity_type>".
type NameEntry struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	TableName  string `json:"table_name"`
	TenantID   string `json:"tenant_id"`
}
