package extractors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/llm"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
)

const momentSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "name": {"type": "string"},
      "moment_type": {"type": "string", "enum": ["meeting", "conversation", "reflection", "planning", "observation"]},
      "content": {"type": "string"},
      "summary": {"type": "string"},
      "starts_at": {"type": "string", "format": "date-time"},
      "ends_at": {"type": "string", "format": "date-time"},
      "emotion_tags": {"type": "array", "items": {"type": "string"}},
      "topic_tags": {"type": "array", "items": {"type": "string"}},
      "present_persons": {"type": "object"},
      "speakers": {"type": "object"},
      "location": {"type": "string"}
    },
    "required": ["name", "moment_type", "content", "starts_at", "ends_at"]
  }
}`

const momentSystemPrompt = `You segment personal memory content into moments: coherent temporal
slices such as meetings, conversations, reflections, planning blocks, and
observations. Moments may overlap. Every speaker must also appear among the
present persons. Timestamps must fall inside the source range given in the
prompt. Respond with JSON matching the provided schema and nothing else.`

// MomentExtractor prompts for temporal slices of a resource.
type MomentExtractor struct {
	completer llm.Completer
	logger    *zap.Logger
}

func NewMomentExtractor(completer llm.Completer, logger *zap.Logger) *MomentExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MomentExtractor{completer: completer, logger: logger}
}

type momentWire struct {
	Name           string                   `json:"name"`
	MomentType     string                   `json:"moment_type"`
	Content        string                   `json:"content"`
	Summary        string                   `json:"summary"`
	StartsAt       time.Time                `json:"starts_at"`
	EndsAt         time.Time                `json:"ends_at"`
	EmotionTags    []string                 `json:"emotion_tags"`
	TopicTags      []string                 `json:"topic_tags"`
	PresentPersons map[string]models.Person `json:"present_persons"`
	Speakers       map[string]models.Speaker `json:"speakers"`
	Location       string                   `json:"location"`
}

// Extract segments content covering [rangeStart, rangeEnd] into moments.
// Boundaries outside the source range are clamped into it with a warning;
// moments that fail hard validation (inverted span, unknown speaker) are
// dropped with a warning rather than failing the batch. Duration warnings
// from Validate pass through.
func (x *MomentExtractor) Extract(ctx context.Context, tenantID, content string, rangeStart, rangeEnd time.Time) ([]models.Moment, []string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, nil
	}

	prompt := fmt.Sprintf("Source range: %s to %s\n\n%s",
		rangeStart.UTC().Format(time.RFC3339),
		rangeEnd.UTC().Format(time.RFC3339),
		content,
	)
	out, err := x.completer.Complete(ctx, llm.Request{
		System:   momentSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
		Schema:   json.RawMessage(momentSchema),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("moment extraction: %w", err)
	}

	var wire []momentWire
	if err := json.Unmarshal(out, &wire); err != nil {
		return nil, nil, fmt.Errorf("moment extraction: malformed response: %w", err)
	}

	var moments []models.Moment
	var warnings []string
	for _, w := range wire {
		start, end := w.StartsAt, w.EndsAt
		if start.Before(rangeStart) {
			warnings = append(warnings, fmt.Sprintf("moment %q starts before the source range, clamped", w.Name))
			start = rangeStart
		}
		if end.After(rangeEnd) {
			warnings = append(warnings, fmt.Sprintf("moment %q ends after the source range, clamped", w.Name))
			end = rangeEnd
		}

		m := models.Moment{
			ID:                    uuid.New(),
			TenantID:              tenantID,
			Name:                  w.Name,
			MomentType:            strings.ToLower(w.MomentType),
			Content:               w.Content,
			Summary:               w.Summary,
			ResourceTimestamp:     start,
			ResourceEndsTimestamp: end,
			EmotionTags:           w.EmotionTags,
			TopicTags:             w.TopicTags,
			PresentPersons:        w.PresentPersons,
			Speakers:              w.Speakers,
			Location:              w.Location,
		}
		momentWarnings, err := m.Validate()
		if err != nil {
			x.logger.Warn("Dropping invalid extracted moment",
				zap.String("name", w.Name),
				zap.Error(err),
			)
			warnings = append(warnings, err.Error())
			continue
		}
		warnings = append(warnings, momentWarnings...)
		moments = append(moments, m)
	}
	return moments, warnings, nil
}
