package formatter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const sourceKey = "source"

var levelDesc = []string{"PANC", "FATL", "ERRO", "WARN", "INFO", "DEBG", "TRAC"}

// TextFormatter formats logs into text with included source code's path
type TextFormatter struct {
	timestampFormat string
}

// NewTextFormatter create new TextFormatter instance
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		timestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// Format renders a single log entry. The fields are sorted by key so transport logs line up.
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == sourceKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fields string
	if len(keys) > 0 {
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = fmt.Sprintf("%s: %v", k, entry.Data[k])
		}
		fields = fmt.Sprintf("[%s] ", strings.Join(pairs, ", "))
	}

	var src string
	if s, ok := entry.Data[sourceKey]; ok {
		src = fmt.Sprintf("%v: ", s)
	}

	return []byte(fmt.Sprintf("%s %s %s%s%s\n", entry.Time.Format(f.timestampFormat), parseLevel(entry.Level), fields, src, entry.Message)), nil
}

func parseLevel(level logrus.Level) string {
	if int(level) >= len(levelDesc) {
		return ""
	}
	return levelDesc[level]
}
