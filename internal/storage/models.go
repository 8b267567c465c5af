package storage

import "time"

// Document is a research paper with its processing state. Documents are
// upserted by ID and never deleted.
type Document struct {
	ID            string
	Title         string
	Abstract      string
	Authors       []string
	Categories    []string
	PDFURL        string
	PublishedDate time.Time
	FullText      string            // Parsed full text (markdown)
	Sections      map[string]string // Parsed sections by name
	Summary       map[string]any    // Structured summary: key_insights, methodology, results...
	Flags         Flags
	FetchedAt     time.Time
}

// Flags track which pipeline stages completed for a document.
type Flags struct {
	PDFDownloaded bool
	Parsed        bool
	Embedded      bool
	Summarized    bool
}

// Chunk is an embedded slice of a document. (DocumentID, Index) is unique.
type Chunk struct {
	DocumentID string
	Index      int       // Zero-based position in the parent document
	Text       string    // Raw chunk text
	Type       string    // ChunkType* tag
	Embedding  []float32 // VectorDimension floats
	Provenance string    // Strategy that produced Embedding
}

// Chunk type tags.
const (
	ChunkTypeTitle    = "title"
	ChunkTypeAbstract = "abstract"
	ChunkTypeSection  = "section"
	ChunkTypeBody     = "body"
)

// Subscriber receives preference-ranked digests.
type Subscriber struct {
	Email       string
	Preferences []string
	Active      bool
	JoinedAt    time.Time
}

// PipelineRun records one embedding batch.
type PipelineRun struct {
	ID             string
	StartedAt      time.Time
	EndedAt        time.Time
	PapersTotal    int
	PapersEmbedded int
	ChunksStored   int
	ChunksFailed   int
	Status         string
	Error          string
}

// Pipeline run statuses.
const (
	RunStatusSuccess = "SUCCESS"
	RunStatusPartial = "PARTIAL"
	RunStatusFailed  = "FAILED"
)

// Stats summarizes the catalog.
type Stats struct {
	TotalPapers      int
	ProcessedPapers  int
	EmbeddedPapers   int
	SummarizedPapers int
	TotalChunks      int
}

// VectorDimension is the embedding size shared by every stored chunk.
const VectorDimension = 384
