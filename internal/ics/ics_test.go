package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurd/internal/model"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"DTSTART:20250101T090000Z\r\n" +
	"SUMMARY:Standup\r\n" +
	"RRULE:FREQ=DAILY;COUNT=10\r\n" +
	"EXDATE:20250103T090000Z,20250104T090000Z\r\n" +
	"EXDATE:20250107T090000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"RECURRENCE-ID:20250105T090000Z\r\n" +
	"DTSTART:20250105T100000Z\r\n" +
	"SUMMARY:Late standup\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:dentist\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"DTSTART:20250110T140000Z\r\n" +
	"SUMMARY:Dentist\r\n" +
	"LOCATION:Main St\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:odd\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"DTSTART:20250101T090000Z\r\n" +
	"RRULE:FREQ=MONTHLY;BYSETPOS=-1;BYDAY=FR\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func utc(d, h int) time.Time { return time.Date(2025, 1, d, h, 0, 0, 0, time.UTC) }

func TestParseICS(t *testing.T) {
	events, err := ParseICS("test", []byte(sampleICS), time.UTC)
	require.NoError(t, err)
	require.Len(t, events, 4)

	base := events[0]
	assert.Equal(t, "standup", base.UID)
	assert.Equal(t, "Standup", base.Summary)
	assert.True(t, base.Start.Equal(utc(1, 9)))
	assert.Equal(t, "FREQ=DAILY;COUNT=10", base.RawRRule)
	require.Len(t, base.ExDates, 3)
	assert.True(t, base.ExDates[2].Equal(utc(7, 9)))
	assert.False(t, base.IsOverride)

	ov := events[1]
	assert.True(t, ov.IsOverride)
	require.NotNil(t, ov.Recurrence)
	assert.True(t, ov.Recurrence.Equal(utc(5, 9)))
}

func TestParseICSRejectsEmptyBody(t *testing.T) {
	_, err := ParseICS("test", nil, time.UTC)
	assert.Error(t, err)
}

func TestImportEvents(t *testing.T) {
	events, err := ParseICS("test", []byte(sampleICS), time.UTC)
	require.NoError(t, err)

	imports, errs := ImportEvents(events, time.UTC)
	require.Len(t, errs, 1, "BYSETPOS is outside the rule grammar")
	assert.Contains(t, errs[0].Error(), "odd")
	require.Len(t, imports, 2)

	standup := imports[0]
	assert.Equal(t, "FREQ=DAILY;COUNT=10", standup.RuleText)
	assert.Equal(t, []time.Time{utc(3, 9), utc(4, 9), utc(7, 9)}, standup.Exceptions)
	assert.Equal(t, "Standup", standup.Fields["title"])
	require.Len(t, standup.Overrides, 1)
	assert.True(t, standup.Overrides[0].Recurrence.Equal(utc(5, 9)))
	assert.True(t, standup.Overrides[0].Start.Equal(utc(5, 10)))
	assert.Equal(t, "Late standup", standup.Overrides[0].Fields["title"])

	dentist := imports[1]
	assert.Empty(t, dentist.RuleText)
	assert.Equal(t, "Main St", dentist.Fields["location"])
	assert.True(t, dentist.Start.Equal(utc(10, 14)))
}

func TestExportSeriesBoundsSegments(t *testing.T) {
	end := utc(6, 9)
	series := &model.Series{
		ID: "s1",
		Segments: []model.Segment{
			{Sequence: 1, RuleText: "FREQ=DAILY", EffectiveStart: utc(1, 9), EffectiveEnd: &end, Exceptions: []time.Time{utc(2, 9)}},
			{Sequence: 2, RuleText: "FREQ=WEEKLY;BYDAY=MO,TH", EffectiveStart: utc(6, 9)},
		},
	}

	body, err := ExportSeries(series, map[string]string{"title": "Standup"}, time.UTC, utc(1, 0))
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "RRULE:FREQ=DAILY;UNTIL=20250106T085959Z")
	assert.Contains(t, text, "RRULE:FREQ=WEEKLY;BYDAY=MO,TH\r\n")
	assert.Contains(t, text, "EXDATE:20250102T090000Z")
	assert.Contains(t, text, "UID:s1-1@recurd")
	assert.Contains(t, text, "SUMMARY:Standup")
	assert.True(t, strings.HasPrefix(text, "BEGIN:VCALENDAR\r\n"))
	assert.NotContains(t, strings.ReplaceAll(text, "\r\n", ""), "\n", "every line ends in CRLF")

	// The export reads back into the same rules.
	events, err := ParseICS("export", body, time.UTC)
	require.NoError(t, err)
	imports, errs := ImportEvents(events, time.UTC)
	require.Empty(t, errs)
	require.Len(t, imports, 2)
	assert.Equal(t, "FREQ=DAILY;UNTIL=20250106T085959Z", imports[0].RuleText)
	assert.Equal(t, []time.Time{utc(2, 9)}, imports[0].Exceptions)
	assert.True(t, imports[1].Start.Equal(utc(6, 9)))
}

func TestBoundedRuleKeepsCountInsideWindow(t *testing.T) {
	end := utc(20, 9)
	got, err := boundedRule(model.Segment{RuleText: "FREQ=DAILY;COUNT=3", EffectiveStart: utc(1, 9), EffectiveEnd: &end}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=DAILY;COUNT=3", got)

	end = utc(2, 9)
	got, err = boundedRule(model.Segment{RuleText: "FREQ=DAILY;COUNT=3", EffectiveStart: utc(1, 9), EffectiveEnd: &end}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=DAILY;UNTIL=20250102T085959Z", got)
}

func TestFetcherUsesCacheOnNotModified(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	body, fromCache, err := f.Fetch(context.Background(), srv.URL+"/cal.ics")
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.True(t, strings.HasPrefix(string(body), "BEGIN:VCALENDAR"))

	body, fromCache, err = f.Fetch(context.Background(), srv.URL+"/cal.ics")
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, sampleICS, string(body))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestFetcherErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, _, err := NewFetcher("").Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/private.ics?token=abc"))
	assert.Equal(t, "ics://...(redacted)", redactURL("nonsense"))
}
