package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jedisct1/dlog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// openLogWriter returns a rotating writer for regular files, and appends to
// anything else (a fifo, a tty, /dev/stdout).
func openLogWriter(fileName string, maxSize, maxAge, maxBackups int) (io.Writer, error) {
	if fileName == "/dev/stdout" {
		return os.Stdout, nil
	}
	st, err := os.Stat(fileName)
	if err == nil && st.IsDir() {
		return nil, fmt.Errorf("[%v] is a directory", fileName)
	}
	if err == nil && !st.Mode().IsRegular() {
		fp, err := os.OpenFile(fileName, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("Unable to access [%v]: %w", fileName, err)
		}
		return fp, nil
	}
	return &lumberjack.Logger{
		Filename:   fileName,
		MaxSize:    maxSize,
		MaxAge:     maxAge,
		MaxBackups: maxBackups,
		LocalTime:  true,
		Compress:   true,
	}, nil
}

// AccessLog writes one tab separated line per request served by the HTTP front.
type AccessLog struct {
	sync.Mutex
	out io.Writer
}

func NewAccessLog(out io.Writer) *AccessLog {
	return &AccessLog{out: out}
}

func (accessLog *AccessLog) Log(request *http.Request, route string, status int, duration time.Duration) {
	if accessLog == nil || accessLog.out == nil {
		return
	}
	clientIPStr, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		clientIPStr = request.RemoteAddr
	}
	now := time.Now()
	year, month, day := now.Date()
	hour, minute, second := now.Clock()
	tsStr := fmt.Sprintf("[%d-%02d-%02d %02d:%02d:%02d]", year, int(month), day, hour, minute, second)
	line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%d\t%dms\n",
		tsStr, clientIPStr, route, request.Method, strconv.Quote(request.URL.Path), status, duration.Milliseconds())
	accessLog.Lock()
	defer accessLog.Unlock()
	if _, err := io.WriteString(accessLog.out, line); err != nil {
		dlog.Debugf("Access log write failed: %v", err)
	}
}
