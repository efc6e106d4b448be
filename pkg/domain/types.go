package domain

import "time"

// DocType gates which line-detail kinds a document may produce.
type DocType string

const (
	DocTypeGeneric DocType = "generic"
	DocTypeAudio   DocType = "audio"
	DocTypeVideo   DocType = "video"
)

// JobStatus is the shared lifecycle for image-caption jobs and autotag tasks.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusEnqueued   JobStatus = "enqueued"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusFailed     JobStatus = "failed"
)

// StoredFile is the unique physical-content record keyed by content hash.
type StoredFile struct {
	ID              int64     `json:"id"`
	ContentHash     string    `json:"contentHash"`
	ObjectPath      string    `json:"objectPath"`
	SizeBytes       int64     `json:"sizeBytes"`
	Extension       string    `json:"extension"`
	FirstUploadedAt time.Time `json:"firstUploadedAt"`
}

// Document is a logical, user-facing record referencing exactly one StoredFile.
type Document struct {
	ID             string         `json:"id"`
	UserDocumentID string         `json:"userDocumentId"`
	StoredFileID   int64          `json:"-"`
	Name           string         `json:"name"`
	OwnerID        string         `json:"ownerId"`
	AccessGroupID  string         `json:"accessGroupId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	DocType        DocType        `json:"docType"`
	IsSyncEnabled  bool           `json:"isSyncEnabled"`
	IsPublic       bool           `json:"isPublic"`
	Created        time.Time      `json:"created"`
	Edited         time.Time      `json:"edited"`

	// Denormalized from the stored file for API consumers.
	ContentHash string `json:"contentHash"`
	ObjectPath  string `json:"-"`
	Extension   string `json:"extension"`
}

// DocumentCreate carries the caller-supplied fields for an upload.
type DocumentCreate struct {
	UserDocumentID string         `json:"userDocumentId"`
	Name           string         `json:"name"`
	OwnerID        string         `json:"ownerId"`
	AccessGroupID  string         `json:"accessGroupId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	DocType        DocType        `json:"docType"`
	IsPublic       bool           `json:"isPublic"`
}

// LineInput is one parsed block handed to the line store for import.
// Modality-specific fields are optional; classification happens at insert.
type LineInput struct {
	Position  int    `json:"position"`
	BlockType string `json:"blockType"`
	Content   string `json:"content"`

	// structural detail
	PageIdx   *int           `json:"pageIdx,omitempty"`
	BlockID   string         `json:"blockId,omitempty"`
	Geometry  map[string]any `json:"geometry,omitempty"`
	Hierarchy map[string]any `json:"hierarchy,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`

	// image detail
	ImageHash  string `json:"imageHash,omitempty"`
	Filename   string `json:"filename,omitempty"`
	ResultText string `json:"resultText,omitempty"`
	OCRText    string `json:"ocrText,omitempty"`

	// audio detail
	StartTS      *float64           `json:"startTs,omitempty"`
	EndTS        *float64           `json:"endTs,omitempty"`
	Duration     *float64           `json:"duration,omitempty"`
	SpeakerLabel string             `json:"speakerLabel,omitempty"`
	SpeakerIdx   *int               `json:"speakerIdx,omitempty"`
	Confidence   *float64           `json:"confidence,omitempty"`
	EmoPrimary   string             `json:"emoPrimary,omitempty"`
	EmoScores    map[string]float64 `json:"emoScores,omitempty"`
	Tasks        []string           `json:"tasks,omitempty"`
}

// EnrichedLine is a raw line outer-joined with its detail row, nulls for
// absent modality fields. The shape search re-indexing consumers read.
type EnrichedLine struct {
	LineID    string    `json:"lineId"`
	DocID     string    `json:"docId"`
	Position  int       `json:"position"`
	BlockType string    `json:"blockType"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`

	PageIdx   *int           `json:"pageIdx,omitempty"`
	BlockID   *string        `json:"blockId,omitempty"`
	Geometry  map[string]any `json:"geometry,omitempty"`
	Hierarchy map[string]any `json:"hierarchy,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`

	ImageStatus  *string `json:"imageStatus,omitempty"`
	ImageText    *string `json:"imageText,omitempty"`
	ImageOCRText *string `json:"imageOcrText,omitempty"`

	StartTS      *float64           `json:"startTs,omitempty"`
	EndTS        *float64           `json:"endTs,omitempty"`
	Duration     *float64           `json:"duration,omitempty"`
	SpeakerLabel *string            `json:"speakerLabel,omitempty"`
	SpeakerIdx   *int               `json:"speakerIdx,omitempty"`
	Confidence   *float64           `json:"confidence,omitempty"`
	EmoPrimary   *string            `json:"emoPrimary,omitempty"`
	EmoScores    map[string]float64 `json:"emoScores,omitempty"`
	Tasks        []string           `json:"tasks,omitempty"`
}

// ImageJob tracks captioning of one image placeholder line.
type ImageJob struct {
	LineID      string     `json:"lineId"`
	DocID       string     `json:"docId"`
	Filename    string     `json:"filename"`
	ImageHash   string     `json:"imageHash"`
	ObjectKey   string     `json:"objectKey"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	ResultText  string     `json:"resultText,omitempty"`
	OCRText     string     `json:"ocrText,omitempty"`
	LLMModel    string     `json:"llmModel,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// AutotagTask tracks document-level tag generation. At most one active
// (enqueued/processing) task exists per document.
type AutotagTask struct {
	ID          string         `json:"id"`
	DocID       string         `json:"docId"`
	Status      JobStatus      `json:"status"`
	Attempts    int            `json:"attempts"`
	ResultJSON  map[string]any `json:"resultJson,omitempty"`
	LLMModel    string         `json:"llmModel,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	ProcessedAt *time.Time     `json:"processedAt,omitempty"`
}
