package models

import "time"

// AudioRecord is one downloaded audiobook held in the blob store
type AudioRecord struct {
	ID        int64  `json:"id"`
	Blob      []byte `json:"-"`
	Title     string `json:"title"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// NewAudioRecord builds a record for blob, deriving size and timestamp
func NewAudioRecord(id int64, blob []byte, title string, now time.Time) *AudioRecord {
	return &AudioRecord{
		ID:        id,
		Blob:      blob,
		Title:     title,
		Size:      int64(len(blob)),
		Timestamp: now.UnixMilli(),
	}
}

// Summary returns the record without its payload
func (r *AudioRecord) Summary() RecordSummary {
	return RecordSummary{
		ID:        r.ID,
		Title:     r.Title,
		Size:      r.Size,
		Timestamp: r.Timestamp,
	}
}

// RecordSummary describes a stored record for storage reporting
type RecordSummary struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"`
}

// StorageInfo aggregates everything currently held in the blob store
type StorageInfo struct {
	Count     int             `json:"count"`
	TotalSize int64           `json:"total_size"`
	Files     []RecordSummary `json:"files"`
}

// Chunk represents one stored piece of an audio blob
type Chunk struct {
	ID             string `json:"id"`
	AudioID        int64  `json:"audio_id"`
	Generation     string `json:"generation"`
	OrderIndex     int    `json:"order_index"`
	Hash           string `json:"hash"`
	MinioObjectKey string `json:"minio_object_key"`
	Size           int64  `json:"size"`
}

// ChunkData holds chunk bytes while a blob is being split or streamed
type ChunkData struct {
	Data       []byte
	OrderIndex int
	Hash       string
	Size       int64
}

// Audiobook is the backend's audiobook resource, reduced to the fields used here
type Audiobook struct {
	ID               int64   `json:"id"`
	Title            string  `json:"title"`
	AudioFilePath    string  `json:"audio_file_path,omitempty"`
	DownloadProgress float64 `json:"download_progress"`
	IsDownloaded     bool    `json:"is_downloaded"`
	IsConverted      bool    `json:"is_converted"`
	Duration         float64 `json:"duration,omitempty"`
	FileSize         int64   `json:"file_size,omitempty"`
}

// AudioSource says where playback comes from
type AudioSource string

const (
	SourceCached      AudioSource = "cached"
	SourceStream      AudioSource = "stream"
	SourceUnavailable AudioSource = "unavailable"
)

// AudioSourceInfo is the resolved playback source for one audiobook
type AudioSourceInfo struct {
	URL      *string     `json:"url"`
	Source   AudioSource `json:"source"`
	IsOnline bool        `json:"is_online"`
	IsCached bool        `json:"is_cached"`
}

// Unavailable returns the degraded source info
func Unavailable(online bool) AudioSourceInfo {
	return AudioSourceInfo{Source: SourceUnavailable, IsOnline: online}
}

// DownloadState is a snapshot of an offline download job
type DownloadState struct {
	AudiobookID int64     `json:"audiobook_id"`
	Title       string    `json:"title"`
	Progress    float64   `json:"progress"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

const (
	DownloadRunning   = "running"
	DownloadCompleted = "completed"
	DownloadFailed    = "failed"
)
