package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"mail2cal/internal/cache"
	"mail2cal/internal/calendar"
	"mail2cal/internal/calendar/mocks"
	"mail2cal/internal/config"
	"mail2cal/internal/ledger"
	"mail2cal/internal/merge"
	"mail2cal/internal/model"
	"mail2cal/internal/source"
)

type fakeProvider struct {
	items []source.Item
	err   error
}

func (f *fakeProvider) Fetch(context.Context) ([]source.Item, error) { return f.items, f.err }

// fakeExtractor returns scripted events per source id.
type fakeExtractor struct {
	events map[string][]model.EventCandidate
	calls  int
}

func (f *fakeExtractor) Extract(_ context.Context, item source.Item) []model.EventCandidate {
	f.calls++
	return f.events[item.ID]
}

// fakeMerger scripts candidate search and scoring; ApplyMerge delegates so
// tests can assert it ran.
type fakeMerger struct {
	candidates map[string][]merge.Candidate // keyed by event title
	decisions  map[string][]merge.Decision
	mergedID   string
	mergeErr   error
	merges     int
}

func (f *fakeMerger) FindCandidates(ev model.EventCandidate) []merge.Candidate {
	return f.candidates[ev.Title]
}

func (f *fakeMerger) ScoreCandidates(_ context.Context, ev model.EventCandidate, _ []merge.Candidate) []merge.Decision {
	return f.decisions[ev.Title]
}

func (f *fakeMerger) ApplyMerge(context.Context, model.EventCandidate, merge.Candidate, merge.Decision) (string, error) {
	f.merges++
	return f.mergedID, f.mergeErr
}

func twoCalendars() *config.Calendars {
	return &config.Calendars{
		Calendars: []config.Calendar{
			{ID: "cal-basica", Name: "Básica"},
			{ID: "cal-kinder", Name: "Kinder"},
		},
		Routing: []config.RoutingRule{
			{SenderContains: "kinder", Calendars: []string{"cal-kinder"}},
		},
		IgnoredSubjects: []string{"Alerta de inasistencia"},
	}
}

func newTestOrchestrator(t *testing.T, provider source.Provider, extractor Extractor, merger Merger, backend calendar.Backend) (*Orchestrator, *cache.Cache, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()
	c := cache.Load(filepath.Join(dir, "cache.json"))
	l := ledger.Load(filepath.Join(dir, "ledger.json"))
	o := NewOrchestrator(provider, extractor, merger, backend, c, l, twoCalendars())
	o.now = func() time.Time { return time.Date(2025, 7, 20, 9, 0, 0, 0, time.UTC) }
	return o, c, l
}

func eventOn(title, start string) model.EventCandidate {
	ts, _ := time.Parse(time.RFC3339, start)
	return model.EventCandidate{Title: title, StartTime: &ts, AllDay: true}
}

func TestRunCreatesEventsInRoutedCalendars(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	item := source.Item{ID: "msg-1", Subject: "Boletín", Sender: "profesora@colegio.cl", Body: "reunión el viernes"}
	ev := eventOn("Reunion de Apoderados", "2025-07-25T00:00:00Z")
	ev.Source = item.Provenance()

	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{events: map[string][]model.EventCandidate{"msg-1": {ev}}}
	o, c, l := newTestOrchestrator(t, provider, extractor, &fakeMerger{}, backend)

	// No routing rule matches, so the event goes to both calendars.
	backend.EXPECT().Insert(gomock.Any(), "cal-basica", gomock.Any()).Return("ev-b", nil)
	backend.EXPECT().Insert(gomock.Any(), "cal-kinder", gomock.Any()).Return("ev-k", nil)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Processed: 1, Created: 1}, stats)
	assert.Equal(t, 2, c.Len())

	m := l.Mapping("msg-1")
	require.NotNil(t, m)
	require.Len(t, m.Events, 1)
	assert.Equal(t, "ev-b", m.Events[0].CalendarEventID, "first insert is the recorded link")
}

func TestRunRoutesBySender(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	item := source.Item{ID: "msg-1", Subject: "Aviso", Sender: "tia@kinder.colegio.cl", Body: "juegos"}
	ev := eventOn("Juegos de Rincones", "2025-07-25T00:00:00Z")
	ev.Source = item.Provenance()

	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{events: map[string][]model.EventCandidate{"msg-1": {ev}}}
	o, _, _ := newTestOrchestrator(t, provider, extractor, &fakeMerger{}, backend)

	backend.EXPECT().Insert(gomock.Any(), "cal-kinder", gomock.Any()).Return("ev-k", nil)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
}

func TestRunSkipsIgnoredSubjects(t *testing.T) {
	item := source.Item{ID: "msg-1", Subject: "Alerta de inasistencia - Juan", Sender: "sistema@colegio.cl"}
	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{}
	o, _, _ := newTestOrchestrator(t, provider, extractor, &fakeMerger{}, nil)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Skipped: 1}, stats)
	assert.Zero(t, extractor.calls, "ignored items are never extracted")
}

func TestRunIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	item := source.Item{ID: "msg-1", Subject: "Boletín", Sender: "profesora@colegio.cl", Body: "reunión"}
	ev := eventOn("Reunion de Apoderados", "2025-07-25T00:00:00Z")
	ev.Source = item.Provenance()

	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{events: map[string][]model.EventCandidate{"msg-1": {ev}}}
	o, _, _ := newTestOrchestrator(t, provider, extractor, &fakeMerger{}, backend)

	backend.EXPECT().Insert(gomock.Any(), "cal-basica", gomock.Any()).Return("ev-b", nil)
	backend.EXPECT().Insert(gomock.Any(), "cal-kinder", gomock.Any()).Return("ev-k", nil)

	first, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)

	// Second run: unchanged item, both events still present. No inserts.
	backend.EXPECT().Get(gomock.Any(), "cal-basica", "ev-b").Return(&calendar.Event{ID: "ev-b"}, nil)

	second, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 1}, second)
	assert.Equal(t, 1, extractor.calls, "unchanged source is not re-extracted")
}

func TestRunReprocessesWhenEventsVanished(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	item := source.Item{ID: "msg-1", Subject: "Boletín", Sender: "profesora@colegio.cl", Body: "reunión"}
	ev := eventOn("Reunion de Apoderados", "2025-07-25T00:00:00Z")
	ev.Source = item.Provenance()

	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{events: map[string][]model.EventCandidate{"msg-1": {ev}}}
	o, c, l := newTestOrchestrator(t, provider, extractor, &fakeMerger{}, backend)

	// Seed the ledger as if a previous run created the event, then make the
	// backend report it gone everywhere.
	l.RecordProcessing(item.Provenance(), item.ContentHash(), []model.EventCandidate{ev}, []string{"ev-old"})
	// Probed twice: once by the skip check, once by the signature fallback
	// before it is allowed to suppress recreation.
	backend.EXPECT().Get(gomock.Any(), "cal-basica", "ev-old").Return(nil, calendar.ErrNotFound).Times(2)
	backend.EXPECT().Get(gomock.Any(), "cal-kinder", "ev-old").Return(nil, calendar.ErrNotFound).Times(2)

	backend.EXPECT().Insert(gomock.Any(), "cal-basica", gomock.Any()).Return("ev-new", nil)
	backend.EXPECT().Insert(gomock.Any(), "cal-kinder", gomock.Any()).Return("ev-new-k", nil)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Created, "vanished events force reprocessing despite unchanged hash")
	assert.Equal(t, 2, c.Len())
}

func TestRunAutoMergesConfidentSameSenderDuplicate(t *testing.T) {
	item := source.Item{ID: "msg-2", Subject: "Recordatorio", Sender: "ana@colegio.cl", Body: "reunión de nuevo"}
	ev := eventOn("Reunión de Apoderados 3°B", "2025-07-25T00:00:00Z")
	ev.Source = item.Provenance()

	cand := merge.Candidate{
		Link:   ledger.EventLink{CalendarEventID: "ev-1", Title: "Reunion Apoderados", StartTime: "2025-07-25T00:00:00Z"},
		Source: model.Provenance{SourceID: "msg-1", Sender: "Ana <ana@colegio.cl>"},
	}
	merger := &fakeMerger{
		candidates: map[string][]merge.Candidate{ev.Title: {cand}},
		decisions:  map[string][]merge.Decision{ev.Title: {{SimilarityScore: 0.95, IsDuplicate: true}}},
		mergedID:   "ev-1",
	}

	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{events: map[string][]model.EventCandidate{"msg-2": {ev}}}
	o, _, l := newTestOrchestrator(t, provider, extractor, merger, nil)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, merger.merges)
	assert.Equal(t, Stats{Processed: 1, Updated: 1}, stats)

	m := l.Mapping("msg-2")
	require.NotNil(t, m)
	require.Len(t, m.Events, 1)
	assert.Equal(t, "ev-1", m.Events[0].CalendarEventID)
}

func TestRunLinksConfidentDuplicateFromDifferentSender(t *testing.T) {
	item := source.Item{ID: "msg-2", Subject: "Aviso", Sender: "beto@colegio.cl", Body: "reunión"}
	ev := eventOn("Reunion de Apoderados", "2025-07-25T00:00:00Z")
	ev.Source = item.Provenance()

	cand := merge.Candidate{
		Link:   ledger.EventLink{CalendarEventID: "ev-1", Title: "Reunion Apoderados", StartTime: "2025-07-25T00:00:00Z"},
		Source: model.Provenance{SourceID: "msg-1", Sender: "ana@colegio.cl"},
	}
	merger := &fakeMerger{
		candidates: map[string][]merge.Candidate{ev.Title: {cand}},
		decisions:  map[string][]merge.Decision{ev.Title: {{SimilarityScore: 0.95, IsDuplicate: true}}},
	}

	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{events: map[string][]model.EventCandidate{"msg-2": {ev}}}
	o, _, l := newTestOrchestrator(t, provider, extractor, merger, nil)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, merger.merges, "different senders never auto-merge")
	assert.Equal(t, Stats{Processed: 1, Skipped: 1}, stats)

	m := l.Mapping("msg-2")
	require.NotNil(t, m)
	require.Len(t, m.Events, 1)
	assert.Equal(t, "ev-1", m.Events[0].CalendarEventID, "linked to the existing event, no new copy")
}

func TestRunReviewBandCreatesSeparately(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	item := source.Item{ID: "msg-2", Subject: "Aviso", Sender: "beto@colegio.cl", Body: "taller"}
	ev := eventOn("Taller de Pintura", "2025-07-25T00:00:00Z")
	ev.Source = item.Provenance()

	cand := merge.Candidate{
		Link:   ledger.EventLink{CalendarEventID: "ev-1", Title: "Taller de Arte", StartTime: "2025-07-25T00:00:00Z"},
		Source: model.Provenance{SourceID: "msg-1", Sender: "ana@colegio.cl"},
	}
	merger := &fakeMerger{
		candidates: map[string][]merge.Candidate{ev.Title: {cand}},
		decisions:  map[string][]merge.Decision{ev.Title: {{SimilarityScore: 0.75}}},
	}

	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{events: map[string][]model.EventCandidate{"msg-2": {ev}}}
	o, _, _ := newTestOrchestrator(t, provider, extractor, merger, backend)

	backend.EXPECT().Insert(gomock.Any(), "cal-basica", gomock.Any()).Return("ev-new", nil)
	backend.EXPECT().Insert(gomock.Any(), "cal-kinder", gomock.Any()).Return("ev-new-k", nil)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created, "ambiguous scores create a separate event for review")
}

func TestRunSignatureMatchSuppressesCreate(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	item := source.Item{ID: "msg-2", Subject: "Reenvío", Sender: "ana@colegio.cl", Body: "igual que antes"}
	ev := eventOn("Feriado Nacional", "2025-07-28T00:00:00Z")
	ev.Source = item.Provenance()

	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{events: map[string][]model.EventCandidate{"msg-2": {ev}}}
	o, _, l := newTestOrchestrator(t, provider, extractor, &fakeMerger{}, backend)
	backend.EXPECT().Get(gomock.Any(), "cal-basica", "ev-existing").Return(&calendar.Event{ID: "ev-existing"}, nil)

	// A prior source already produced the identical event.
	prior := eventOn("Feriado Nacional", "2025-07-28T00:00:00Z")
	l.RecordProcessing(model.Provenance{SourceID: "msg-1", Sender: "ana@colegio.cl"},
		"hash-1", []model.EventCandidate{prior}, []string{"ev-existing"})

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Processed: 1, Skipped: 1}, stats)
	m := l.Mapping("msg-2")
	require.NotNil(t, m)
	require.Len(t, m.Events, 1)
	assert.Equal(t, "ev-existing", m.Events[0].CalendarEventID)
}

func TestRunCacheVetoesSecondInsertSameDay(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	item := source.Item{ID: "msg-1", Subject: "Boletín", Sender: "ana@colegio.cl", Body: "dos avisos del feriado"}
	first := eventOn("Feriado Nacional", "2025-07-28T00:00:00Z")
	first.Source = item.Provenance()
	second := eventOn("Feriado Virgen del Carmen", "2025-07-28T00:00:00Z")
	second.Source = item.Provenance()

	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{events: map[string][]model.EventCandidate{"msg-1": {first, second}}}
	o, _, _ := newTestOrchestrator(t, provider, extractor, &fakeMerger{}, backend)

	// Only the first event reaches the backend; the cache vetoes the second
	// in both calendars.
	backend.EXPECT().Insert(gomock.Any(), "cal-basica", gomock.Any()).Return("ev-b", nil)
	backend.EXPECT().Insert(gomock.Any(), "cal-kinder", gomock.Any()).Return("ev-k", nil)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Created: 1, Skipped: 1}, stats)
}

func TestRunInsertFailureCountsErrorAndContinues(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	item := source.Item{ID: "msg-1", Subject: "Boletín", Sender: "ana@colegio.cl", Body: "reunión"}
	ev := eventOn("Reunion de Apoderados", "2025-07-25T00:00:00Z")
	ev.Source = item.Provenance()

	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{events: map[string][]model.EventCandidate{"msg-1": {ev}}}
	o, _, _ := newTestOrchestrator(t, provider, extractor, &fakeMerger{}, backend)

	backend.EXPECT().Insert(gomock.Any(), "cal-basica", gomock.Any()).Return("", errors.New("quota exceeded"))
	backend.EXPECT().Insert(gomock.Any(), "cal-kinder", gomock.Any()).Return("ev-k", nil)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1, Created: 1, Errors: 1}, stats)
}

func TestRunCleansUpOrphanedSources(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	provider := &fakeProvider{} // source vanished from the window
	o, c, l := newTestOrchestrator(t, provider, &fakeExtractor{}, &fakeMerger{}, backend)

	prior := eventOn("Reunion Apoderados", "2025-07-25T00:00:00Z")
	l.RecordProcessing(model.Provenance{SourceID: "msg-old", Sender: "ana@colegio.cl"},
		"hash", []model.EventCandidate{prior}, []string{"ev-old"})
	c.Add("Reunion Apoderados", "2025-07-25", "cal-basica", "ev-old", "msg-old")

	// Deletion is attempted in every calendar; already-gone is success.
	backend.EXPECT().Delete(gomock.Any(), "cal-basica", "ev-old").Return(nil)
	backend.EXPECT().Delete(gomock.Any(), "cal-kinder", "ev-old").Return(calendar.ErrNotFound)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Deleted: 1}, stats)
	assert.Nil(t, l.Mapping("msg-old"))
	assert.Zero(t, c.Len())
}

func TestRunProviderFailureAbortsRun(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeProvider{err: errors.New("imap down")}, &fakeExtractor{}, &fakeMerger{}, nil)
	_, err := o.Run(context.Background())
	require.Error(t, err)
}

func TestRunNoEventsStillRecordsHash(t *testing.T) {
	item := source.Item{ID: "msg-1", Subject: "Saludos", Sender: "ana@colegio.cl", Body: "sin eventos"}
	provider := &fakeProvider{items: []source.Item{item}}
	extractor := &fakeExtractor{}
	o, _, l := newTestOrchestrator(t, provider, extractor, &fakeMerger{}, nil)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{Processed: 1}, stats)
	require.NotNil(t, l.Mapping("msg-1"))

	// Second run skips without extracting again.
	second, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 1}, second)
	assert.Equal(t, 1, extractor.calls)
}

func TestRepairReportsMissingCounterparts(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	o, _, _ := newTestOrchestrator(t, &fakeProvider{}, &fakeExtractor{}, &fakeMerger{}, backend)

	backend.EXPECT().List(gomock.Any(), "cal-basica", gomock.Any(), gomock.Any()).Return([]*calendar.Event{
		{ID: "ev-1", Summary: "Dia de la Familia", Start: &calendar.EventTime{Date: "2025-08-09"}},
		{ID: "ev-2", Summary: "Consejo de Profesores", Start: &calendar.EventTime{Date: "2025-08-11"}},
	}, nil)
	backend.EXPECT().List(gomock.Any(), "cal-kinder", gomock.Any(), gomock.Any()).Return(nil, nil)

	records := o.Repair(context.Background())

	require.Len(t, records, 1, "only shared events are reported")
	assert.Equal(t, "Dia de la Familia", records[0].Title)
	assert.Equal(t, "cal-basica", records[0].PresentIn)
	assert.Equal(t, "cal-kinder", records[0].MissingFrom)
}
