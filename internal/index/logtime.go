package index

import (
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// Log timestamps carry no zone; robot logs in the field use UTC+8.
var logZone = time.FixedZone("UTC+8", 8*60*60)

const (
	scanChunkSize  = 16 * 1024
	scanBufferSize = 512
	scanAttempts   = 5
)

// hintSchemas match full dates in filenames or first lines; they anchor
// partial line timestamps to a day.
var hintSchemas = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}`), "2006-01-02 15:04:05"},
	{regexp.MustCompile(`\d{4}/\d{2}/\d{2}\s+\d{2}:\d{2}:\d{2}`), "2006/01/02 15:04:05"},
	{regexp.MustCompile(`\d{10}`), "2006010215"},
}

// lineSchemas match timestamps inside log lines. Some carry no date or
// no year; those are completed from the hint.
var lineSchemas = []struct {
	re      *regexp.Regexp
	layout  string
	noDate  bool
	noYear  bool
	prepare func(string) string
}{
	{
		re:     regexp.MustCompile(`\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}\.\d{3}`),
		layout: "2006-01-02 15:04:05.000",
	},
	{
		re:      regexp.MustCompile(`\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2},\d{3}`),
		layout:  "2006-01-02 15:04:05.000",
		prepare: func(s string) string { return strings.Replace(s, ",", ".", 1) },
	},
	{
		re:     regexp.MustCompile(`\d{4}\s+\d{2}:\d{2}:\d{2}\.\d{6}`),
		layout: "0102 15:04:05.000000",
		noYear: true,
	},
	{
		re:     regexp.MustCompile(`[a-zA-Z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}`),
		layout: "Jan 2 15:04:05",
		noYear: true,
	},
	{
		re:     regexp.MustCompile(`\d{2}:\d{2}:\d{2}\.\d{3}`),
		layout: "15:04:05.000",
		noDate: true,
	},
}

var spaceRun = regexp.MustCompile(`\s+`)

// timestampFromLine extracts the first recognizable timestamp from a
// log line, completing missing date parts from hint.
func timestampFromLine(line string, hint time.Time, now time.Time) (time.Time, bool) {
	for _, schema := range lineSchemas {
		match := schema.re.FindString(line)
		if match == "" {
			continue
		}

		if schema.prepare != nil {
			match = schema.prepare(match)
		}

		match = spaceRun.ReplaceAllString(match, " ")

		t, err := time.ParseInLocation(schema.layout, match, logZone)
		if err != nil {
			continue
		}

		switch {
		case schema.noDate:
			return completeDate(t, hint, now), true
		case schema.noYear:
			return completeYear(t, hint, now), true
		default:
			return t, true
		}
	}

	return time.Time{}, false
}

// completeDate fills year, month and day for a time-only timestamp. With
// a hint, timestamps before the hint roll to the next day; without one,
// timestamps in the future roll to the previous day.
func completeDate(t, hint, now time.Time) time.Time {
	if !hint.IsZero() {
		candidate := time.Date(hint.Year(), hint.Month(), hint.Day(),
			t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), logZone)
		if candidate.Before(hint) {
			return candidate.AddDate(0, 0, 1)
		}

		return candidate
	}

	candidate := time.Date(now.Year(), now.Month(), now.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), logZone)
	if candidate.After(now) {
		return candidate.AddDate(0, 0, -1)
	}

	return candidate
}

// completeYear fills the year for a yearless timestamp, analogous to
// completeDate.
func completeYear(t, hint, now time.Time) time.Time {
	if !hint.IsZero() {
		candidate := time.Date(hint.Year(), t.Month(), t.Day(),
			t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), logZone)
		if candidate.Before(hint) {
			return candidate.AddDate(1, 0, 0)
		}

		return candidate
	}

	candidate := time.Date(now.Year(), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), logZone)
	if candidate.After(now) {
		return candidate.AddDate(-1, 0, 0)
	}

	return candidate
}

// timestampHint derives the day anchor from the filename, falling back
// to the file's first line.
func timestampHint(path string, enc string) time.Time {
	if t, ok := hintFromText(filepathBase(path)); ok {
		return t
	}

	f, err := os.Open(path)
	if err != nil {
		return time.Time{}
	}
	defer f.Close()

	buf := make([]byte, scanBufferSize)
	n, _ := f.Read(buf)

	text := decodeChunk(buf[:n], enc)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}

	if t, ok := hintFromText(text); ok {
		return t
	}

	return time.Time{}
}

func hintFromText(text string) (time.Time, bool) {
	for _, schema := range hintSchemas {
		match := schema.re.FindString(text)
		if match == "" {
			continue
		}

		match = spaceRun.ReplaceAllString(match, " ")

		t, err := time.ParseInLocation(schema.layout, match, logZone)
		if err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

// startTimestamp scans forward from the head of the file for the first
// parsable line timestamp. The whole file is covered; logs can open
// with a long timestamp-free banner before the first dated line.
func startTimestamp(path string) (int64, bool) {
	enc := detectEncoding(path)
	hint := timestampHint(path, enc)

	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false
	}

	buf := make([]byte, scanChunkSize+scanBufferSize)

	for offset := int64(0); offset < info.Size(); offset += scanChunkSize {
		n, _ := f.ReadAt(buf, offset)
		if n <= 0 {
			return 0, false
		}

		text := decodeChunk(buf[:n], enc)
		if t, ok := timestampFromLine(text, hint, time.Now().In(logZone)); ok {
			return t.Unix(), true
		}
	}

	return 0, false
}

// endTimestamp scans backward from the tail of the file for the last
// parsable line timestamp.
func endTimestamp(path string) (int64, bool) {
	enc := detectEncoding(path)
	hint := timestampHint(path, enc)

	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false
	}

	buf := make([]byte, scanChunkSize+scanBufferSize)
	now := time.Now().In(logZone)

	for attempt := 0; attempt < scanAttempts; attempt++ {
		endOffset := info.Size() - int64(attempt)*scanChunkSize
		if endOffset <= 0 {
			return 0, false
		}

		startOffset := endOffset - scanChunkSize - scanBufferSize
		if startOffset < 0 {
			startOffset = 0
		}

		n, _ := f.ReadAt(buf[:endOffset-startOffset], startOffset)
		if n <= 0 {
			continue
		}

		text := decodeChunk(buf[:n], enc)
		lines := strings.Split(text, "\n")

		for i := len(lines) - 1; i >= 0; i-- {
			if t, ok := timestampFromLine(lines[i], hint, now); ok {
				return t.Unix(), true
			}
		}
	}

	return 0, false
}

const (
	encUTF8   = "utf8"
	encGB2312 = "gb2312"
)

// detectEncoding sniffs the first chunk of the file. Text that is not
// valid UTF-8 but looks like paired GB2312 bytes is decoded as GB2312;
// everything else is treated as UTF-8.
func detectEncoding(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return encUTF8
	}
	defer f.Close()

	buf := make([]byte, scanChunkSize)
	n, _ := f.Read(buf)
	chunk := buf[:n]

	if utf8.Valid(chunk) {
		return encUTF8
	}

	if looksLikeGB2312(chunk) {
		return encGB2312
	}

	return encUTF8
}

func looksLikeGB2312(chunk []byte) bool {
	pairs := 0

	for i := 0; i+1 < len(chunk); i++ {
		b := chunk[i]
		if b < 0x80 {
			continue
		}

		next := chunk[i+1]
		if b >= 0xA1 && b <= 0xF7 && next >= 0xA1 && next <= 0xFE {
			pairs++
			i++

			continue
		}

		return false
	}

	return pairs > 0
}

// decodeChunk converts raw file bytes to a UTF-8 string, tolerating a
// truncated trailing multibyte sequence.
func decodeChunk(chunk []byte, enc string) string {
	if enc != encGB2312 {
		return string(chunk)
	}

	out, _, err := transform.Bytes(simplifiedchinese.GB18030.NewDecoder(), chunk)
	if err != nil && len(out) == 0 {
		return string(chunk)
	}

	return string(out)
}

func filepathBase(path string) string {
	if i := strings.LastIndexByte(path, os.PathSeparator); i >= 0 {
		return path[i+1:]
	}

	return path
}
