package main

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// DebugLogger is the unified logging funnel every package reports through.
// Console output is always on; when debug mode is enabled messages are also
// written to a session file by an async worker so logging never blocks the
// frame path.
type DebugLogger struct {
	enabled bool
	file    *os.File

	writeQueue    chan string
	stopWorker    chan struct{}
	workerStopped sync.WaitGroup
}

func NewDebugLogger(enabled bool) *DebugLogger {
	dl := &DebugLogger{
		enabled:    enabled,
		writeQueue: make(chan string, 100),
		stopWorker: make(chan struct{}),
	}

	if enabled {
		baseDir := "/tmp/firewatch"
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			fmt.Printf("[DEBUG_LOGGER] Failed to create debug directory: %v\n", err)
			dl.enabled = false
			return dl
		}
		path := fmt.Sprintf("%s/session_%s.txt", baseDir, time.Now().Format("20060102_150405"))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Printf("[DEBUG_LOGGER] Failed to open log file: %v\n", err)
			dl.enabled = false
			return dl
		}
		dl.file = file
		dl.workerStopped.Add(1)
		go dl.fileWriteWorker()
	}

	return dl
}

// debugMsg is the main unified debug function
func (dl *DebugLogger) debugMsg(component, message string) {
	line := fmt.Sprintf("[%s][%s] %s",
		time.Now().Format("15:04:05.000"), component, message)
	fmt.Println(line)

	if !dl.enabled {
		return
	}

	// Queue for async writing; drop if the queue is full rather than block.
	select {
	case dl.writeQueue <- line + "\n":
	default:
	}
}

func (dl *DebugLogger) fileWriteWorker() {
	defer dl.workerStopped.Done()
	for {
		select {
		case content := <-dl.writeQueue:
			dl.file.WriteString(content)
		case <-dl.stopWorker:
			// Drain what is left before exiting.
			for {
				select {
				case content := <-dl.writeQueue:
					dl.file.WriteString(content)
				default:
					return
				}
			}
		}
	}
}

func (dl *DebugLogger) Close() {
	if !dl.enabled {
		return
	}
	close(dl.stopWorker)
	dl.workerStopped.Wait()
	dl.file.Close()
}
