// Package extractors turns raw content into structured entities and moments
// by prompting an LLM with a schema and normalizing what comes back. The
// wire protocol lives in the llm package; this layer owns what is extracted
// and how it is cleaned up.
package extractors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/llm"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
)

// MinEntityConfidence drops low-signal extractions before they pollute the
// graph.
const MinEntityConfidence = 0.3

// RelTypeMentions is the edge type mirroring related_entities into
// graph_paths.
const RelTypeMentions = "mentions"

var entityTypes = map[string]string{
	"person":       "Person",
	"organization": "Organization",
	"project":      "Project",
	"concept":      "Concept",
	"location":     "Location",
}

const entitySchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "entity_name": {"type": "string"},
      "entity_type": {"type": "string", "enum": ["Person", "Organization", "Project", "Concept", "Location"]},
      "context": {"type": "string"},
      "confidence": {"type": "number", "minimum": 0, "maximum": 1}
    },
    "required": ["entity_name", "entity_type", "confidence"]
  }
}`

const entitySystemPrompt = `You extract named entities from personal memory content.
Return every person, organization, project, concept, and location mentioned,
with a short context sentence and a confidence between 0 and 1.
Respond with JSON matching the provided schema and nothing else.`

// EntityExtractor prompts for entities and normalizes the result.
type EntityExtractor struct {
	completer llm.Completer
	logger    *zap.Logger
}

func NewEntityExtractor(completer llm.Completer, logger *zap.Logger) *EntityExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityExtractor{completer: completer, logger: logger}
}

type entityWire struct {
	EntityID   string  `json:"entity_id"`
	EntityName string  `json:"entity_name"`
	EntityType string  `json:"entity_type"`
	Context    string  `json:"context"`
	Confidence float64 `json:"confidence"`
}

// EntityRequest builds the completion request for one content block. The
// batch enrichment path uses it directly so direct and batched extraction
// share one prompt.
func EntityRequest(content, contextHint string) llm.Request {
	prompt := content
	if contextHint != "" {
		prompt = fmt.Sprintf("Context: %s\n\n%s", contextHint, content)
	}
	return llm.Request{
		System:   entitySystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
		Schema:   json.RawMessage(entitySchema),
	}
}

// Extract returns the normalized entity list plus the mention edges to merge
// into the owning resource's graph_paths. Items below the confidence floor
// or with an unrecognized type are dropped.
func (x *EntityExtractor) Extract(ctx context.Context, content, contextHint string) (models.RelatedEntities, models.GraphPaths, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, nil
	}
	out, err := x.completer.Complete(ctx, EntityRequest(content, contextHint))
	if err != nil {
		return nil, nil, fmt.Errorf("entity extraction: %w", err)
	}
	return ParseEntities(out, x.logger)
}

// ParseEntities normalizes a raw extraction response.
func ParseEntities(out json.RawMessage, logger *zap.Logger) (models.RelatedEntities, models.GraphPaths, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var wire []entityWire
	if err := json.Unmarshal(out, &wire); err != nil {
		return nil, nil, fmt.Errorf("entity extraction: malformed response: %w", err)
	}

	now := time.Now().UTC()
	var entities models.RelatedEntities
	var edges models.GraphPaths
	for _, w := range wire {
		if w.Confidence < MinEntityConfidence {
			continue
		}
		etype, ok := entityTypes[strings.ToLower(w.EntityType)]
		if !ok {
			logger.Debug("Dropping entity with unrecognized type",
				zap.String("name", w.EntityName),
				zap.String("type", w.EntityType),
			)
			continue
		}
		id := NormalizeEntityID(w.EntityName)
		if id == "" {
			continue
		}
		entities = append(entities, models.RelatedEntity{
			EntityID:   id,
			EntityType: etype,
			EntityName: w.EntityName,
			Context:    w.Context,
			Confidence: w.Confidence,
		})
		edges.Merge(models.GraphPath{
			Dst:       id,
			RelType:   RelTypeMentions,
			Weight:    w.Confidence,
			CreatedAt: now,
		})
	}
	return entities, edges, nil
}

// NormalizeEntityID lowercases, replaces runs of non-alphanumerics with a
// single dash, and trims dashes from both ends, so "Dr. Ana Ruiz" and
// "dr ana ruiz" collide on the same id.
func NormalizeEntityID(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(sb.String(), "-")
}
