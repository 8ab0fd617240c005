package utils

import (
	"fmt"
	"strings"
	"time"
)

// SanitizeName rewrites name so that it satisfies the platform's resource-name
// pattern ^[a-zA-Z0-9](-*[a-zA-Z0-9])*.
//
// Every byte outside [a-zA-Z0-9-] becomes '-', and leading/trailing dashes are
// dropped. An empty result falls back to "job".
func SanitizeName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "job"
	}
	return out
}

// Timestamp formats t the way the platform SDK suffixes job names:
// YYYY-MM-DD-HH-MM-SS-mmm.
func Timestamp(t time.Time) string {
	return fmt.Sprintf("%s-%03d", t.Format("2006-01-02-15-04-05"), t.Nanosecond()/int(time.Millisecond))
}

// ShortTimestamp is the compact yymmdd-HHMM suffix used where names are capped at 32.
func ShortTimestamp(t time.Time) string {
	return t.Format("060102-1504")
}

// NameFromBase appends a timestamp to base, truncating base so that the
// result never exceeds maxLength.
func NameFromBase(base string, now time.Time, maxLength int, short bool) string {
	ts := Timestamp(now)
	if short {
		ts = ShortTimestamp(now)
	}
	base = SanitizeName(base)
	if keep := maxLength - len(ts) - 1; len(base) > keep {
		if keep <= 0 {
			return ts[:min(len(ts), maxLength)]
		}
		base = strings.TrimRight(base[:keep], "-")
	}
	return base + "-" + ts
}

// TrainingJobName 训练作业名称
func TrainingJobName(base string, now time.Time) string {
	return NameFromBase(base, now, MaxJobNameLength, false)
}

// TuningJobName 调参作业名称，平台限制 32 个字符
func TuningJobName(base string, now time.Time) string {
	return NameFromBase(base, now, MaxTuningJobNameLength, true)
}
