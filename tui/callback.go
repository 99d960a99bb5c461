package tui

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dosimg/pipeline"
)

// ProgressCallback is a function called with progress updates
type ProgressCallback func(event ProgressEvent)

// ProgressEventType identifies the type of progress event
type ProgressEventType string

const (
	EventFetchStart      ProgressEventType = "fetch_start"
	EventFetchProgress   ProgressEventType = "fetch_progress"
	EventFetchComplete   ProgressEventType = "fetch_complete"
	EventStageStart      ProgressEventType = "stage_start"
	EventStageComplete   ProgressEventType = "stage_complete"
	EventStageFailed     ProgressEventType = "stage_failed"
	EventUnpackProgress  ProgressEventType = "unpack_progress"
	EventTeardownWarning ProgressEventType = "teardown_warning"
	EventError           ProgressEventType = "error"
)

// ProgressEvent represents a progress event
type ProgressEvent struct {
	Type      ProgressEventType
	Timestamp time.Time

	// Stage is the pipeline stage the event belongs to. Empty for fetch
	// events.
	Stage string
	// Index and Count place Stage in the pipeline (Index is 0-based).
	Index int
	Count int

	// Fetch progress
	Current  int64
	Total    int64
	Percent  float64 // 0.0 to 1.0
	Speed    float64 // bytes/second
	SpeedStr string

	// Unpack progress: Message is the archive, Files and Current its
	// running totals.
	Files int

	Elapsed time.Duration
	Message string
	Error   error
}

// ProgressTracker turns fetch progress and pipeline hooks into events for
// the subscribed displays.
type ProgressTracker struct {
	mu        sync.RWMutex
	callbacks []ProgressCallback

	fetchStart time.Time
	stageCount int
	stage      string
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{}
}

// Subscribe adds a callback to receive progress updates
func (p *ProgressTracker) Subscribe(callback ProgressCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, callback)
}

// StartFetch announces that the source image is being fetched.
func (p *ProgressTracker) StartFetch(url string) {
	p.mu.Lock()
	p.fetchStart = time.Now()
	p.mu.Unlock()

	p.emit(ProgressEvent{Type: EventFetchStart, Timestamp: time.Now(), Message: url})
}

// UpdateFetch reports bytes received so far. total is -1 when unknown. Its
// signature matches cache.ProgressFunc.
func (p *ProgressTracker) UpdateFetch(current, total int64, speed float64) {
	p.mu.RLock()
	start := p.fetchStart
	p.mu.RUnlock()

	var percent float64
	if total > 0 {
		percent = float64(current) / float64(total)
	}
	p.emit(ProgressEvent{
		Type:      EventFetchProgress,
		Timestamp: time.Now(),
		Current:   current,
		Total:     total,
		Percent:   percent,
		Speed:     speed,
		SpeedStr:  FormatBytes(int64(speed)) + "/s",
		Elapsed:   time.Since(start),
	})
}

// CompleteFetch reports the fetch outcome. cached is true when the artifact
// was already present and nothing was transferred.
func (p *ProgressTracker) CompleteFetch(size int64, cached bool) {
	p.mu.RLock()
	start := p.fetchStart
	p.mu.RUnlock()

	msg := "fetched"
	if cached {
		msg = "cached"
	}
	p.emit(ProgressEvent{
		Type:      EventFetchComplete,
		Timestamp: time.Now(),
		Current:   size,
		Total:     size,
		Percent:   1.0,
		Elapsed:   time.Since(start),
		Message:   msg,
	})
}

// UpdateUnpack reports archive extraction inside the running stage. Its
// signature matches extraction.ProgressFunc.
func (p *ProgressTracker) UpdateUnpack(archive string, files int, bytes int64) {
	p.mu.RLock()
	stage := p.stage
	p.mu.RUnlock()

	p.emit(ProgressEvent{
		Type:      EventUnpackProgress,
		Timestamp: time.Now(),
		Stage:     stage,
		Files:     files,
		Current:   bytes,
		Message:   archive,
	})
}

// Hooks returns pipeline hooks that forward stage and teardown results.
func (p *ProgressTracker) Hooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnStageStart: func(name string, index, total int) {
			p.mu.Lock()
			p.stageCount = total
			p.stage = name
			p.mu.Unlock()
			p.emit(ProgressEvent{
				Type:      EventStageStart,
				Timestamp: time.Now(),
				Stage:     name,
				Index:     index,
				Count:     total,
			})
		},
		OnStageDone: func(r pipeline.StageResult) {
			ev := ProgressEvent{
				Type:      EventStageComplete,
				Timestamp: time.Now(),
				Stage:     r.Name,
				Count:     p.count(),
				Elapsed:   r.Duration,
				Error:     r.Err,
			}
			if r.Err != nil {
				ev.Type = EventStageFailed
			}
			p.emit(ev)
		},
		OnTeardown: func(r pipeline.TeardownResult) {
			if r.Err == nil {
				return
			}
			p.emit(ProgressEvent{
				Type:      EventTeardownWarning,
				Timestamp: time.Now(),
				Stage:     r.Stage,
				Elapsed:   r.Duration,
				Error:     r.Err,
			})
		},
	}
}

// ReportError reports an error outside any stage.
func (p *ProgressTracker) ReportError(err error) {
	p.emit(ProgressEvent{
		Type:      EventError,
		Timestamp: time.Now(),
		Error:     err,
	})
}

func (p *ProgressTracker) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stageCount
}

func (p *ProgressTracker) emit(event ProgressEvent) {
	p.mu.RLock()
	callbacks := make([]ProgressCallback, len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.mu.RUnlock()

	if t := eventTracer(); t != nil {
		t.WithFields(logrus.Fields{
			"type":      event.Type,
			"stage":     event.Stage,
			"callbacks": len(callbacks),
			"percent":   event.Percent,
		}).Debug("emit")
	}

	for _, cb := range callbacks {
		cb(event)
	}
}
