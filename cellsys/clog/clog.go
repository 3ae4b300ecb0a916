// Package clog is the cell substrate's logger: buffered, timestamped,
// severity-leveled. Buffered lines reach disk when a stream's 32 KiB buffer
// fills or Flush is called; there is no periodic flush. After 4 MiB written
// to a file, its stream flushes and closes it and the next line reopens the
// same file name in append mode with a fresh banner; earlier content is not
// moved aside.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package clog

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cellhost/substrate/cellsys/cmono"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

var (
	toStderr     bool
	alsoToStderr bool
	logDir       string
	title        string

	onceInit sync.Once
	streams  [3]*stream
)

// InitFlags registers the -logtostderr/-alsologtostderr flags.
func InitFlags(fs *flag.FlagSet) {
	fs.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	fs.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

// SetLogDir points file-backed severities at dir; SetTitle stamps the banner
// written at startup/rotation.
func SetLogDir(dir string) { logDir = dir }
func SetTitle(s string)    { title = s }

type stream struct {
	mu      sync.Mutex
	sev     severity
	file    *os.File
	w       *bufio.Writer
	written atomic.Int64
	last    atomic.Int64
	maxSize int64
}

func initStreams() {
	for s := sevInfo; s <= sevErr; s++ {
		streams[s] = &stream{sev: s, maxSize: 4 << 20}
	}
}

func (s *stream) ensureOpen() error {
	if s.file != nil || logDir == "" {
		return nil
	}
	name := filepath.Join(logDir, fmt.Sprintf("cell.%s.log", severityName(s.sev)))
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.w = bufio.NewWriterSize(f, 32<<10)
	banner := fmt.Sprintf("started at %s, %s for %s/%s\n", time.Now().Format(time.RFC3339), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if title != "" {
		banner = title + "\n" + banner
	}
	s.w.WriteString(banner)
	return nil
}

func (s *stream) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err == nil && s.w != nil {
		n, _ := s.w.WriteString(line)
		s.written.Add(int64(n))
		s.last.Store(cmono.NanoTime())
		if s.written.Load() >= s.maxSize {
			s.rotateLocked()
		}
	}
}

func (s *stream) rotateLocked() {
	s.w.Flush()
	s.file.Close()
	s.file = nil
	s.w = nil
	s.written.Store(0)
}

func (s *stream) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		s.w.Flush()
	}
}

func severityName(s severity) string {
	switch s {
	case sevInfo:
		return "INFO"
	case sevWarn:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func sprint(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, file, line, ok := runtime.Caller(depth + 3); ok {
		if idx := strings.LastIndexByte(file, filepath.Separator); idx >= 0 {
			file = file[idx+1:]
		}
		b.WriteString(file)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(line))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	return b.String()
}

func log(sev severity, depth int, format string, args ...any) {
	onceInit.Do(initStreams)
	line := sprint(sev, depth, format, args...)
	if toStderr || (!flag.Parsed() && logDir == "") {
		os.Stderr.WriteString(line)
		return
	}
	if alsoToStderr || sev >= sevErr {
		os.Stderr.WriteString(line)
	}
	if sev >= sevWarn {
		streams[sevErr].write(line)
	}
	streams[sevInfo].write(line)
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

// Flush forces pending buffered lines to disk; exit additionally closes the
// underlying files.
func Flush(exit ...bool) {
	onceInit.Do(initStreams)
	ex := len(exit) > 0 && exit[0]
	for _, s := range streams {
		s.flush()
		if ex && s.file != nil {
			s.file.Sync()
			s.file.Close()
		}
	}
}
