package models

import "fmt"

// Source identifies where a submission came from.
type Source string

const (
	SourceUpload          Source = "upload"
	SourceCrossref        Source = "crossref"
	SourceSemanticScholar Source = "semantic_scholar"
	SourceArxiv           Source = "arxiv"
	SourceSciXplorer      Source = "scixplorer"
)

// ParseSource converts external input into a Source.
func ParseSource(v string) (Source, error) {
	s := Source(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown source %q", v)
	}
	return s, nil
}

func (s Source) IsValid() bool {
	switch s {
	case SourceUpload, SourceCrossref, SourceSemanticScholar, SourceArxiv, SourceSciXplorer:
		return true
	}
	return false
}

func (s Source) String() string {
	return string(s)
}
