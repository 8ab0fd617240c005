package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFormatter 输出 [时间] [级别] [文件:行 函数] 消息 key=value...
type LogFormatter struct{}

func (m *LogFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "[%s] [%s] ", entry.Time.Format("2006-01-02 15:04:05"), entry.Level)
	// HasCaller()为true才会有调用信息
	if entry.HasCaller() {
		fmt.Fprintf(b, "[%s:%d %s] ", filepath.Base(entry.Caller.File), entry.Caller.Line, filepath.Base(entry.Caller.Function))
	}
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func ParseLogLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("Invalid log level '%s', defaulting to 'info'", level)
		return logrus.InfoLevel
	}
	return lvl
}

// InitLogger 日志同时写 stderr 和滚动文件，stdout 留给命令输出
func InitLogger(level logrus.Level, filename string) {
	logrus.SetReportCaller(true)
	logrus.SetFormatter(&LogFormatter{})
	logrus.SetLevel(level)
	if filename == "" {
		filename = DefaultLogFile
	}
	logFile := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		LocalTime:  true,
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, logFile))
}
