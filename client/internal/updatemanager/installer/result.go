package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/srika/srika/util"
)

const (
	resultFile = "result.json"
)

// Result is written by the swap helper once it finishes, successfully or not
type Result struct {
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Severity      string    `json:"severity,omitempty"`
	Version       string    `json:"version"`
	FinalState    SwapState `json:"final_state"`
	BackupPath    string    `json:"backup_path,omitempty"`
	RelaunchError string    `json:"relaunch_error,omitempty"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// ResultHandler handles reading and writing swap results
type ResultHandler struct {
	resultFile string
}

// NewResultHandler creates a handler for "result.json" in dir
func NewResultHandler(dir string) *ResultHandler {
	return &ResultHandler{
		resultFile: filepath.Join(dir, resultFile),
	}
}

func (rh *ResultHandler) Path() string {
	return rh.resultFile
}

// Watch blocks until the result file appears, returns it and removes the file
func (rh *ResultHandler) Watch(ctx context.Context) (Result, error) {
	log.Infof("start watching result: %s", rh.resultFile)

	defer func() {
		if err := rh.Cleanup(); err != nil {
			log.Warnf("failed to cleanup result file: %v", err)
		}
	}()

	dir := filepath.Dir(rh.resultFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create result dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	// Watch the directory, the file is created by rename
	if err := watcher.Add(dir); err != nil {
		return Result{}, fmt.Errorf("failed to watch directory: %w", err)
	}

	// the helper may have finished before the watch started
	if result, err := rh.Read(); err == nil {
		log.Infof("swap result: %+v", result)
		return result, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}
			if filepath.Clean(event.Name) != filepath.Clean(rh.resultFile) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			result, err := rh.Read()
			if err != nil {
				log.Debugf("error while reading result: %v", err)
				continue
			}
			log.Infof("swap result: %+v", result)
			return result, nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}
			return Result{}, fmt.Errorf("watcher error: %w", err)
		}
	}
}

// Write stores result atomically
func (rh *ResultHandler) Write(result Result) error {
	log.Infof("write out swap result to: %s", rh.resultFile)
	return util.WriteJson(context.Background(), rh.resultFile, result)
}

// Read returns the stored result
func (rh *ResultHandler) Read() (Result, error) {
	var result Result
	if err := util.ReadJson(rh.resultFile, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// Consume returns the stored result, if any, and removes it
func (rh *ResultHandler) Consume() (Result, bool, error) {
	result, err := rh.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	if err := rh.Cleanup(); err != nil {
		return result, true, err
	}
	return result, true, nil
}

// Cleanup removes the result file if it exists
func (rh *ResultHandler) Cleanup() error {
	if err := util.RemoveJson(rh.resultFile); err != nil {
		return err
	}
	log.Debugf("delete swap result file: %s", rh.resultFile)
	return nil
}
