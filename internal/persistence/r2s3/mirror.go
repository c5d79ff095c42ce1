package r2s3

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadSkipTotal     uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

// Uploader is the subset of Client used by Mirror.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
	Exists(ctx context.Context, objectKey string) (bool, error)
}

type MirrorConfig struct {
	// DataDir is the base for keys derived from local paths.
	DataDir string
	Prefix  string

	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration

	MaxAttempts  uint
	RetryBackoff time.Duration
	// SkipExisting issues a HEAD first and skips keys already stored.
	SkipExisting bool

	Logger *log.Logger
}

type job struct {
	local string
	key   string
}

// Mirror copies replay files to an object store from a bounded worker pool.
type Mirror struct {
	client Uploader
	cfg    MirrorConfig
	prefix string

	jobs chan job
	wg   sync.WaitGroup

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadSkipTotal     atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(client Uploader, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2048
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	m := &Mirror{
		client: client,
		cfg:    cfg,
		prefix: strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/"),
		jobs:   make(chan job, cfg.QueueCapacity),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for j := range m.jobs {
				m.uploadOne(j)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload under key. An empty key is derived
// from the path relative to DataDir. It reports false when the job was dropped.
func (m *Mirror) Enqueue(localPath, key string) bool {
	if m == nil || m.client == nil {
		return false
	}
	m.enqueuedTotal.Add(1)
	j := job{local: localPath, key: key}

	select {
	case m.jobs <- j:
		return true
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- j:
		return true
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.printf("mirror drop local=%s reason=queue_saturated wait_ms=%d dropped_total=%d", localPath, m.cfg.EnqueueWait.Milliseconds(), dropped)
		return false
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadSkipTotal:     m.uploadSkipTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(j job) {
	key := j.key
	if key == "" {
		var err error
		if key, err = m.ObjectKey(j.local); err != nil {
			m.printf("mirror skip local=%s err=%v", j.local, err)
			return
		}
	} else if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}

	skipped, err := m.uploadWithRetry(key, j.local)
	if err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.printf("mirror upload failed key=%s local=%s err=%v", key, j.local, err)
		return
	}
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	if skipped {
		m.uploadSkipTotal.Add(1)
		m.printf("mirror exists key=%s local=%s", key, j.local)
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.printf("mirror uploaded key=%s local=%s", key, j.local)
}

func (m *Mirror) uploadWithRetry(key, localPath string) (bool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryBackoff
	bo.Multiplier = 2

	return backoff.Retry(context.Background(), func() (bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if m.cfg.SkipExisting {
			ok, err := m.client.Exists(ctx, key)
			if err != nil {
				return false, classify(err)
			}
			if ok {
				return true, nil
			}
		}
		return false, classify(m.client.PutFile(ctx, key, localPath))
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(m.cfg.MaxAttempts))
}

// classify stops retries for client errors and missing files.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) && !se.Retryable() {
		return backoff.Permanent(err)
	}
	if errors.Is(err, os.ErrNotExist) {
		return backoff.Permanent(err)
	}
	return err
}

// ObjectKey maps localPath under DataDir to a prefixed slash-separated key.
func (m *Mirror) ObjectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(m.cfg.DataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", absLocal, absBase)
	}

	key := rel
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}
	return key, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	}
}
