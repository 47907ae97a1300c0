// Package evidence turns node outputs into evidence envelopes and derives the
// run-level conflict ledger, confidence and final answer from them.
package evidence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Keyring-Network/railgraph/internal/store"
)

const (
	SourceInput     = "input"
	SourceEngine    = "engine"
	SourceWeb       = "web"
	SourceTransform = "transform"
	SourceGate      = "gate"
)

const (
	ConfidenceHigh    = "high"
	ConfidenceMedium  = "medium"
	ConfidenceLow     = "low"
	ConfidenceUnknown = "unknown"
)

const memorySummaryLimit = 400

var confidenceWeights = map[string]float64{
	ConfidenceHigh:    0.9,
	ConfidenceMedium:  0.7,
	ConfidenceLow:     0.4,
	ConfidenceUnknown: 0.6,
}

const conflictPenalty = 0.1

var finalAnswerPaths = []string{"text", "completion.text", "finalDraft", "result"}

// GetByPath walks a dotted path through nested objects. An empty path
// returns the input itself.
func GetByPath(input any, path string) (any, bool) {
	if strings.TrimSpace(path) == "" {
		return input, true
	}
	current := input
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := object[part]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func Stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}

// ExtractFinalAnswer prefers well-known text fields and falls back to the
// JSON form of the output.
func ExtractFinalAnswer(output any) string {
	for _, path := range finalAnswerPaths {
		found, ok := GetByPath(output, path)
		if !ok {
			continue
		}
		if text, ok := found.(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return Stringify(output)
}

func NormalizeConfidence(raw any) string {
	value := strings.ToLower(strings.TrimSpace(Stringify(raw)))
	switch value {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return value
	}
	return ConfidenceUnknown
}

const ModeBridgeAssisted = "bridgeAssisted"

// NormalizeWebEvidence shapes a raw web result into the object stored as the
// node output. Only bridge-assisted captures are trusted without verification.
func NormalizeWebEvidence(provider string, output any, mode string) map[string]any {
	row, ok := output.(map[string]any)
	if !ok {
		row = map[string]any{"text": Stringify(output)}
	}
	timestamp := Stringify(row["timestamp"])
	if timestamp == "" {
		timestamp = store.Now()
	}
	text := strings.TrimSpace(Stringify(row["text"]))
	if text == "" {
		source := row["raw"]
		if source == nil {
			source = row["data"]
		}
		if source == nil {
			source = row
		}
		text = strings.TrimSpace(ExtractFinalAnswer(source))
	}
	raw := row["raw"]
	if raw == nil {
		raw = row["data"]
	}
	if raw == nil {
		raw = output
	}
	metaRow, _ := row["meta"].(map[string]any)
	sourceURL := Stringify(metaRow["url"])
	if sourceURL == "" {
		sourceURL = Stringify(metaRow["sourceUrl"])
	}
	capturedAt := Stringify(metaRow["capturedAt"])
	if capturedAt == "" {
		capturedAt = timestamp
	}
	citations := []any{}
	for _, citation := range stringList(metaRow["citations"]) {
		citations = append(citations, citation)
	}
	meta := map[string]any{
		"sourceType":        SourceWeb,
		"provider":          provider,
		"mode":              mode,
		"capturedAt":        capturedAt,
		"confidence":        NormalizeConfidence(metaRow["confidence"]),
		"citations":         citations,
		"needsVerification": mode != ModeBridgeAssisted,
	}
	if sourceURL != "" {
		meta["sourceUrl"] = sourceURL
	}
	return map[string]any{
		"provider":  provider,
		"timestamp": timestamp,
		"text":      text,
		"raw":       raw,
		"meta":      meta,
	}
}

func stringList(value any) []string {
	items, ok := value.([]any)
	if !ok {
		if typed, ok := value.([]string); ok {
			items = make([]any, 0, len(typed))
			for _, item := range typed {
				items = append(items, item)
			}
		}
	}
	out := []string{}
	for _, item := range items {
		if text := strings.TrimSpace(Stringify(item)); text != "" {
			out = append(out, text)
		}
	}
	return out
}

type EnvelopeInput struct {
	NodeID     string
	Role       string
	Provider   string
	SourceType string
	Output     any
	CapturedAt string
}

func NormalizeEnvelope(in EnvelopeInput) store.EvidenceEnvelope {
	envelope := store.EvidenceEnvelope{
		ID:         uuid.NewString(),
		NodeID:     in.NodeID,
		Role:       in.Role,
		Provider:   in.Provider,
		SourceType: in.SourceType,
		CapturedAt: in.CapturedAt,
		Text:       ExtractFinalAnswer(in.Output),
		Raw:        in.Output,
		Claims:     claimsOf(in.Output),
		Confidence: ConfidenceUnknown,
	}
	if meta, ok := metaOf(in.Output); ok {
		envelope.Confidence = NormalizeConfidence(meta["confidence"])
		envelope.Citations = stringList(meta["citations"])
		if flag, ok := meta["needsVerification"].(bool); ok {
			envelope.NeedsVerification = flag
		}
		if envelope.CapturedAt == "" {
			envelope.CapturedAt = Stringify(meta["capturedAt"])
		}
	}
	if envelope.CapturedAt == "" {
		envelope.CapturedAt = store.Now()
	}
	return envelope
}

func metaOf(output any) (map[string]any, bool) {
	object, ok := output.(map[string]any)
	if !ok {
		return nil, false
	}
	meta, ok := object["meta"].(map[string]any)
	return meta, ok
}

var reservedClaimKeys = map[string]struct{}{
	"text": {}, "raw": {}, "meta": {}, "timestamp": {}, "provider": {},
}

// claimsOf keeps the scalar top-level fields of structured output. Fields
// of a parsed raw object count too; top-level fields win.
func claimsOf(output any) map[string]string {
	object, ok := output.(map[string]any)
	if !ok {
		return nil
	}
	claims := map[string]string{}
	if raw, ok := object["raw"].(map[string]any); ok {
		collectClaims(claims, raw)
	}
	collectClaims(claims, object)
	if len(claims) == 0 {
		return nil
	}
	return claims
}

func collectClaims(claims map[string]string, object map[string]any) {
	for key, value := range object {
		if _, reserved := reservedClaimKeys[key]; reserved {
			continue
		}
		switch typed := value.(type) {
		case string:
			claims[key] = strings.TrimSpace(typed)
		case bool:
			claims[key] = strconv.FormatBool(typed)
		case float64:
			claims[key] = strconv.FormatFloat(typed, 'f', -1, 64)
		case int:
			claims[key] = strconv.Itoa(typed)
		case int64:
			claims[key] = strconv.FormatInt(typed, 10)
		}
	}
}

// UpdateMemory records the latest envelope of a node as its memory entry.
func UpdateMemory(memory map[string]store.NodeMemory, envelope store.EvidenceEnvelope) {
	memory[envelope.NodeID] = store.NodeMemory{
		NodeID:     envelope.NodeID,
		Role:       envelope.Role,
		Summary:    Clip(envelope.Text, memorySummaryLimit),
		Claims:     envelope.Claims,
		UpdatedAt:  envelope.CapturedAt,
		Confidence: envelope.Confidence,
	}
}

// BuildConflictLedger reports every claim for which nodes disagree. Only the
// latest envelope of each node counts.
func BuildConflictLedger(envelopes []store.EvidenceEnvelope) []store.Conflict {
	latest := map[string]store.EvidenceEnvelope{}
	order := []string{}
	for _, envelope := range envelopes {
		if _, seen := latest[envelope.NodeID]; !seen {
			order = append(order, envelope.NodeID)
		}
		latest[envelope.NodeID] = envelope
	}
	byClaim := map[string][]store.ConflictValue{}
	for _, nodeID := range order {
		for claim, value := range latest[nodeID].Claims {
			byClaim[claim] = append(byClaim[claim], store.ConflictValue{NodeID: nodeID, Value: value})
		}
	}
	conflicts := []store.Conflict{}
	for claim, values := range byClaim {
		distinct := map[string]struct{}{}
		for _, value := range values {
			distinct[strings.ToLower(value.Value)] = struct{}{}
		}
		if len(distinct) > 1 {
			conflicts = append(conflicts, store.Conflict{Claim: claim, Values: values})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Claim < conflicts[j].Claim })
	return conflicts
}

// ComputeConfidence averages the envelope confidence weights and subtracts a
// fixed penalty per open conflict, clamped to [0, 1].
func ComputeConfidence(envelopes []store.EvidenceEnvelope, conflicts []store.Conflict) float64 {
	if len(envelopes) == 0 {
		return 0
	}
	total := 0.0
	for _, envelope := range envelopes {
		weight, ok := confidenceWeights[envelope.Confidence]
		if !ok {
			weight = confidenceWeights[ConfidenceUnknown]
		}
		total += weight
	}
	score := total/float64(len(envelopes)) - conflictPenalty*float64(len(conflicts))
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// SynthesisPacket is the input of a sink turn that merges several branches.
type SynthesisPacket struct {
	Question  string                      `json:"question"`
	Evidence  []store.EvidenceEnvelope    `json:"evidence"`
	Conflicts []store.Conflict            `json:"conflicts"`
	Memory    map[string]store.NodeMemory `json:"memory"`
}

func (p SynthesisPacket) AsMap() map[string]any {
	encoded, err := json.Marshal(p)
	if err != nil {
		return map[string]any{"question": p.Question}
	}
	out := map[string]any{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return map[string]any{"question": p.Question}
	}
	return out
}

// Clip trims text to limit runes, marking the cut.
func Clip(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "…"
}
