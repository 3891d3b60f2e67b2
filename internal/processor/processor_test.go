package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/thumbnailer/internal/fetcher"
	"github.com/aliskhannn/thumbnailer/internal/model"
	"github.com/aliskhannn/thumbnailer/internal/queue"
	"github.com/aliskhannn/thumbnailer/internal/staging"
	"github.com/aliskhannn/thumbnailer/internal/storage/local"
	"github.com/aliskhannn/thumbnailer/internal/thumbnail"
)

// recorder keeps the order of side effects across collaborators.
type recorder struct {
	events []string
}

type recordingPublisher struct {
	rec   *recorder
	store *local.Storage
	fail  map[string]error
}

func (p *recordingPublisher) Publish(ctx context.Context, key, path string) error {
	if err := p.fail[key]; err != nil {
		return err
	}
	if err := p.store.Publish(ctx, key, path); err != nil {
		return err
	}
	p.rec.events = append(p.rec.events, "publish:"+key)
	return nil
}

type recordingAcker struct {
	rec   *recorder
	store *local.Storage
	err   error

	calls        int
	sawOriginal  bool
	sawThumbnail bool
}

func (a *recordingAcker) Ack(_ context.Context, msg queue.Message) error {
	a.calls++
	a.rec.events = append(a.rec.events, "ack:"+msg.ID)

	_, errOrig := os.Stat(a.store.Path("ORIGINAL-abc123-a.jpg"))
	_, errThumb := os.Stat(a.store.Path("THUMB-abc123-a.jpg"))
	a.sawOriginal = errOrig == nil
	a.sawThumbnail = errThumb == nil

	return a.err
}

type fakeReporter struct {
	stages []string
	bodies [][]byte
}

func (r *fakeReporter) Report(stage string, _ model.Job, body []byte, _ error) {
	r.stages = append(r.stages, stage)
	r.bodies = append(r.bodies, body)
}

type fixture struct {
	processor   *Processor
	rec         *recorder
	store       *local.Storage
	publisher   *recordingPublisher
	acker       *recordingAcker
	reporter    *fakeReporter
	stagingRoot string
	server      *httptest.Server
	hits        *atomic.Int32
}

func jpegBytes(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 200, 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func newFixture(t *testing.T, handler http.HandlerFunc) *fixture {
	t.Helper()

	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	store, err := local.NewStorage(t.TempDir())
	require.NoError(t, err)

	stagingRoot := t.TempDir()
	sm, err := staging.NewManager(stagingRoot)
	require.NoError(t, err)

	rec := &recorder{}
	pub := &recordingPublisher{rec: rec, store: store, fail: map[string]error{}}
	acker := &recordingAcker{rec: rec, store: store}
	reporter := &fakeReporter{}

	p := New(
		fetcher.New(srv.Client(), 0),
		thumbnail.New(thumbnail.Options{}),
		pub,
		sm,
		acker,
		reporter,
		zerolog.Nop(),
	)

	return &fixture{
		processor:   p,
		rec:         rec,
		store:       store,
		publisher:   pub,
		acker:       acker,
		reporter:    reporter,
		stagingRoot: stagingRoot,
		server:      srv,
		hits:        hits,
	}
}

func (f *fixture) message(t *testing.T) queue.Message {
	t.Helper()

	body, err := model.EncodeJob(model.Job{
		SourceURL: f.server.URL + "/a.jpg",
		LocalName: "abc123-a.jpg",
	})
	require.NoError(t, err)

	return queue.NewMessage("msg-1", body, 1, nil)
}

func (f *fixture) assertStagingEmpty(t *testing.T) {
	t.Helper()

	entries, err := os.ReadDir(f.stagingRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging must be released")
}

func (f *fixture) exists(key string) bool {
	_, err := os.Stat(f.store.Path(key))
	return err == nil
}

func TestProcess_Success(t *testing.T) {
	original := jpegBytes(t, 640, 480)
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(original)
	})

	res, err := f.processor.Process(context.Background(), f.message(t))
	require.NoError(t, err)

	assert.Equal(t, StateAcknowledged, res.State)
	assert.Equal(t, []State{
		StateReceived,
		StateDecoded,
		StateOriginalFetched,
		StateOriginalPublished,
		StateThumbnailDerived,
		StateThumbnailPublished,
		StateAcknowledged,
	}, res.States)
	assert.Equal(t, "ORIGINAL-abc123-a.jpg", res.OriginalKey)
	assert.Equal(t, "THUMB-abc123-a.jpg", res.ThumbnailKey)
	assert.Equal(t, "jpeg", res.Format)

	stored, err := os.ReadFile(f.store.Path("ORIGINAL-abc123-a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, original, stored)

	thumb, err := imaging.Open(f.store.Path("THUMB-abc123-a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, 128, thumb.Bounds().Dx())
	assert.Equal(t, 96, thumb.Bounds().Dy())

	thumbFile, err := os.Open(f.store.Path("THUMB-abc123-a.jpg"))
	require.NoError(t, err)
	defer thumbFile.Close()
	_, format, err := image.DecodeConfig(thumbFile)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	assert.Equal(t, []string{
		"publish:ORIGINAL-abc123-a.jpg",
		"publish:THUMB-abc123-a.jpg",
		"ack:msg-1",
	}, f.rec.events)
	assert.Equal(t, 1, f.acker.calls)
	assert.True(t, f.acker.sawOriginal)
	assert.True(t, f.acker.sawThumbnail)
	assert.Empty(t, f.reporter.stages)

	f.assertStagingEmpty(t)
}

func TestProcess_FetchNotFound(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})

	res, err := f.processor.Process(context.Background(), f.message(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrFetch)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageFetch, stageErr.Stage)

	assert.Equal(t, StateAbandoned, res.State)
	assert.Empty(t, f.rec.events, "no storage writes and no ack")
	assert.Equal(t, 0, f.acker.calls)
	assert.Equal(t, []string{string(StageFetch)}, f.reporter.stages)

	f.assertStagingEmpty(t)
}

func TestProcess_MalformedBody(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	})

	msg := queue.NewMessage("msg-2", []byte(`{"img_src_url": "https://example.com/a.jpg"`), 1, nil)

	res, err := f.processor.Process(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrMalformedJob)

	assert.Equal(t, []State{StateReceived, StateAbandoned}, res.States)
	assert.EqualValues(t, 0, f.hits.Load())
	assert.Equal(t, 0, f.acker.calls)
	assert.Equal(t, []string{string(StageDecode)}, f.reporter.stages)
	assert.Equal(t, msg.Body, f.reporter.bodies[0])

	f.assertStagingEmpty(t)
}

func TestProcess_CorruptImage(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("definitely not an image"))
	})

	res, err := f.processor.Process(context.Background(), f.message(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDecode)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageDerive, stageErr.Stage)

	assert.Equal(t, StateAbandoned, res.State)
	assert.Contains(t, res.States, StateOriginalPublished)
	assert.True(t, f.exists("ORIGINAL-abc123-a.jpg"))
	assert.False(t, f.exists("THUMB-abc123-a.jpg"))
	assert.Equal(t, 0, f.acker.calls)

	f.assertStagingEmpty(t)
}

func TestProcess_Redelivery_OverwritesOriginal(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("corrupt"))
	})

	msg := f.message(t)
	for i := 0; i < 2; i++ {
		_, err := f.processor.Process(context.Background(), msg)
		require.ErrorIs(t, err, model.ErrDecode)
	}

	stored, err := os.ReadFile(f.store.Path("ORIGINAL-abc123-a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("corrupt"), stored)
	f.assertStagingEmpty(t)
}

func TestProcess_PublishFailures(t *testing.T) {
	tests := []struct {
		name      string
		failKey   string
		stage     Stage
		published []string
	}{
		{
			name:    "original",
			failKey: "ORIGINAL-abc123-a.jpg",
			stage:   StagePublishOriginal,
		},
		{
			name:      "thumbnail",
			failKey:   "THUMB-abc123-a.jpg",
			stage:     StagePublishThumbnail,
			published: []string{"publish:ORIGINAL-abc123-a.jpg"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := jpegBytes(t, 300, 200)
			f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write(original)
			})
			f.publisher.fail[tt.failKey] = errors.Join(model.ErrPublish, errors.New("quota exceeded"))

			res, err := f.processor.Process(context.Background(), f.message(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrPublish)

			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, tt.stage, stageErr.Stage)

			assert.Equal(t, StateAbandoned, res.State)
			if tt.published == nil {
				assert.Empty(t, f.rec.events)
			} else {
				assert.Equal(t, tt.published, f.rec.events)
			}
			assert.Equal(t, 0, f.acker.calls)

			f.assertStagingEmpty(t)
		})
	}
}

func TestProcess_AckFailure(t *testing.T) {
	original := jpegBytes(t, 200, 200)
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(original)
	})
	f.acker.err = errors.New("receipt handle expired")

	res, err := f.processor.Process(context.Background(), f.message(t))
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageAcknowledge, stageErr.Stage)
	assert.Equal(t, StateAbandoned, res.State)
	assert.Contains(t, res.States, StateThumbnailPublished)

	f.assertStagingEmpty(t)
}

type failingStaging struct{}

func (failingStaging) Allocate(string) (staging.Paths, error) {
	return staging.Paths{}, model.ErrStaging
}

func (failingStaging) Release(staging.Paths) error {
	panic("release must not be called without an allocation")
}

func TestProcess_StagingFailure(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {})
	f.processor.staging = failingStaging{}

	_, err := f.processor.Process(context.Background(), f.message(t))
	assert.ErrorIs(t, err, model.ErrStaging)
	assert.EqualValues(t, 0, f.hits.Load())
	assert.Equal(t, 0, f.acker.calls)
}

func TestProcess_NilReporter(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {})
	f.processor.reporter = nil

	_, err := f.processor.Process(context.Background(), queue.NewMessage("m", []byte("{}"), 1, nil))
	assert.ErrorIs(t, err, model.ErrMalformedJob)
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: StageFetch, Err: model.ErrFetch}

	assert.Equal(t, "fetch_original: fetch failed", err.Error())
	assert.ErrorIs(t, err, model.ErrFetch)
}
