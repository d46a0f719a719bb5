package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MetadataVersion is the envelope version written for persisted metadata maps.
const MetadataVersion = 1

// SourceMetadata maps a source name to the metadata that source contributed.
type SourceMetadata map[string]map[string]any

// Merge returns a copy of m with data recorded under source. Fields already
// recorded for source are kept; other sources are never touched.
func (m SourceMetadata) Merge(source string, data map[string]any) SourceMetadata {
	out := m.Clone()
	existing := out[source]
	merged := make(map[string]any, len(existing)+len(data))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range existing {
		merged[k] = v
	}
	out[source] = merged
	return out
}

// Clone copies the map and each per-source map.
func (m SourceMetadata) Clone() SourceMetadata {
	out := make(SourceMetadata, len(m))
	for source, fields := range m {
		inner := make(map[string]any, len(fields))
		for k, v := range fields {
			inner[k] = v
		}
		out[source] = inner
	}
	return out
}

type sourceMetadataEnvelope struct {
	Version int                       `json:"version"`
	Sources map[string]map[string]any `json:"sources"`
}

// Value implements driver.Valuer as a versioned JSON envelope.
func (m SourceMetadata) Value() (driver.Value, error) {
	sources := map[string]map[string]any(m)
	if sources == nil {
		sources = map[string]map[string]any{}
	}
	b, err := json.Marshal(sourceMetadataEnvelope{Version: MetadataVersion, Sources: sources})
	if err != nil {
		return nil, fmt.Errorf("marshal source metadata: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *SourceMetadata) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("scan source metadata: %w", err)
	}
	var env sourceMetadataEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("scan source metadata: %w", err)
		}
	}
	if env.Version > MetadataVersion {
		return fmt.Errorf("scan source metadata: unsupported version %d", env.Version)
	}
	*m = SourceMetadata(env.Sources)
	if *m == nil {
		*m = SourceMetadata{}
	}
	return nil
}

// ArtifactStage names a pipeline stage that produces an artifact.
type ArtifactStage string

const (
	ArtifactPDF        ArtifactStage = "pdf"
	ArtifactMarkdown   ArtifactStage = "markdown"
	ArtifactChunks     ArtifactStage = "chunks"
	ArtifactEmbeddings ArtifactStage = "embeddings"
	ArtifactGraph      ArtifactStage = "graph"
)

func (s ArtifactStage) IsValid() bool {
	switch s {
	case ArtifactPDF, ArtifactMarkdown, ArtifactChunks, ArtifactEmbeddings, ArtifactGraph:
		return true
	}
	return false
}

// MaxObjectKeyLength bounds an artifact object key in bytes.
const MaxObjectKeyLength = 1024

var objectKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-_./]*$`)

// ArtifactPointers maps a stage to the object-store location of its output.
type ArtifactPointers map[ArtifactStage]string

// ParseArtifactPointers validates raw stage keys and locations. Locations may
// carry an s3://bucket/ prefix; the key after it must be a valid object key.
func ParseArtifactPointers(raw map[string]string) (ArtifactPointers, error) {
	out := make(ArtifactPointers, len(raw))
	for k, v := range raw {
		stage := ArtifactStage(k)
		if !stage.IsValid() {
			return nil, fmt.Errorf("invalid artifact pointer type %q", k)
		}
		key := v
		if rest, ok := strings.CutPrefix(key, "s3://"); ok {
			if _, objectKey, found := strings.Cut(rest, "/"); found {
				key = objectKey
			} else {
				key = ""
			}
		}
		if key != "" && (len(key) > MaxObjectKeyLength || !objectKeyPattern.MatchString(key)) {
			return nil, fmt.Errorf("invalid object key for %q: %q", k, v)
		}
		out[stage] = v
	}
	return out, nil
}

// Merge returns a copy of p with every entry of update applied; the latest
// location for a stage wins.
func (p ArtifactPointers) Merge(update ArtifactPointers) ArtifactPointers {
	out := p.Clone()
	for k, v := range update {
		out[k] = v
	}
	return out
}

func (p ArtifactPointers) Clone() ArtifactPointers {
	out := make(ArtifactPointers, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Stages returns the populated stages in sorted order.
func (p ArtifactPointers) Stages() []ArtifactStage {
	out := make([]ArtifactStage, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// JSON returns the bare stage map encoding used in SQL merge expressions.
func (p ArtifactPointers) JSON() (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[ArtifactStage]string(p))
	if err != nil {
		return "", fmt.Errorf("marshal artifact pointers: %w", err)
	}
	return string(b), nil
}

type artifactPointersEnvelope struct {
	Version  int                      `json:"version"`
	Pointers map[ArtifactStage]string `json:"pointers"`
}

// Value implements driver.Valuer as a versioned JSON envelope.
func (p ArtifactPointers) Value() (driver.Value, error) {
	pointers := map[ArtifactStage]string(p)
	if pointers == nil {
		pointers = map[ArtifactStage]string{}
	}
	b, err := json.Marshal(artifactPointersEnvelope{Version: MetadataVersion, Pointers: pointers})
	if err != nil {
		return nil, fmt.Errorf("marshal artifact pointers: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *ArtifactPointers) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("scan artifact pointers: %w", err)
	}
	var env artifactPointersEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("scan artifact pointers: %w", err)
		}
	}
	if env.Version > MetadataVersion {
		return fmt.Errorf("scan artifact pointers: unsupported version %d", env.Version)
	}
	*p = ArtifactPointers(env.Pointers)
	if *p == nil {
		*p = ArtifactPointers{}
	}
	return nil
}

// Author is one entry of a document's ordered author list.
type Author struct {
	GivenName   string `json:"given_name,omitempty"`
	FamilyName  string `json:"family_name"`
	ORCID       string `json:"orcid,omitempty"`
	Affiliation string `json:"affiliation,omitempty"`
}

// Authors is stored as a JSON array.
type Authors []Author

func (a Authors) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Author(a))
	if err != nil {
		return nil, fmt.Errorf("marshal authors: %w", err)
	}
	return string(b), nil
}

func (a *Authors) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("scan authors: %w", err)
	}
	var out []Author
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("scan authors: %w", err)
		}
	}
	*a = out
	return nil
}

// JSONObject is a free-form JSON object column.
type JSONObject map[string]any

func (o JSONObject) Value() (driver.Value, error) {
	if o == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(o))
	if err != nil {
		return nil, fmt.Errorf("marshal json object: %w", err)
	}
	return string(b), nil
}

func (o *JSONObject) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("scan json object: %w", err)
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("scan json object: %w", err)
		}
	}
	*o = out
	return nil
}

// pgx returns json columns as string, lib/pq as []byte.
func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", src)
	}
}
