package logging

import (
	"fmt"
	"os"
	"sync"
)

const (
	defaultMaxLogSize    = 10 * 1024 * 1024
	defaultMaxLogBackups = 5
)

// rollingFile is a zapcore.WriteSyncer that renames path to path.1 (shifting
// older backups up to maxBackups) once a write would exceed maxSize.
type rollingFile struct {
	path       string
	maxSize    int64
	maxBackups int
	mu         sync.Mutex
	file       *os.File
}

func newRollingFile(path string, maxSize int64, maxBackups int) (*rollingFile, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxLogSize
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxLogBackups
	}
	rf := &rollingFile{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rollingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	rf.file = f
	return nil
}

func (rf *rollingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		if err := rf.open(); err != nil {
			return 0, err
		}
	}
	if fi, err := rf.file.Stat(); err == nil && fi.Size() > 0 && fi.Size()+int64(len(p)) > rf.maxSize {
		_ = rf.file.Close()
		rf.file = nil
		rf.roll()
		if err := rf.open(); err != nil {
			return 0, err
		}
	}
	return rf.file.Write(p)
}

func (rf *rollingFile) roll() {
	for i := rf.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", rf.path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, fmt.Sprintf("%s.%d", rf.path, i+1))
		}
	}
	_ = os.Rename(rf.path, rf.path+".1")
}

func (rf *rollingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file != nil {
		return rf.file.Sync()
	}
	return nil
}
