package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/enhance-gateway/internal/provider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// scriptedSource replays responses in order and repeats the last one.
type scriptedSource struct {
	responses []*provider.Response
	errs      []error
	paths     []string
}

func (s *scriptedSource) GetStatus(ctx context.Context, path string) (*provider.Response, error) {
	i := len(s.paths)
	s.paths = append(s.paths, path)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func jsonResp(status int, body string) *provider.Response {
	return &provider.Response{
		OK:     status >= 200 && status < 300,
		Status: status,
		Body:   provider.ParseBody([]byte(body)),
		Text:   body,
	}
}

func progress(status string, slots ...string) *provider.Response {
	quoted := make([]string, len(slots))
	for i, s := range slots {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return jsonResp(http.StatusOK, fmt.Sprintf(`{"code":200,"data":{"status":%q,"generate_result_slots":[%s]}}`,
		status, strings.Join(quoted, ",")))
}

func testLayout() Layout {
	return Layout{
		StatusPath: func(id string) string { return "/get_task_progress/" + id },
		Status:     []Extractor{Field("data", "status"), Field("status")},
		ResultURL: []Extractor{
			FirstInList("data", "generate_result_slots"),
			Field("data", "url"),
			Field("data", "result_url"),
			Field("processed_url"),
		},
	}
}

func TestClassify(t *testing.T) {
	for _, tok := range []string{"succeeded", "succeed", "success", "completed", "done", "SUCCEEDED", "Succeed", "DoNe", " success "} {
		assert.Equal(t, JobStatusSucceeded, Classify(tok), tok)
	}
	for _, tok := range []string{"failed", "error", "FAILED", "Error"} {
		assert.Equal(t, JobStatusFailed, Classify(tok), tok)
	}
	for _, tok := range []string{"", "waiting", "in_queue", "processing", "uploading", "succeeding", "failure"} {
		assert.Equal(t, JobStatusPending, Classify(tok), tok)
	}
}

func TestCheck_NormalizesStates(t *testing.T) {
	tests := []struct {
		name     string
		resp     *provider.Response
		want     JobStatus
		url      string
		detailIn string
	}{
		{"succeed with slots", progress("succeed", "", "", "https://x/a.webp", "https://x/b.webp"), JobStatusSucceeded, "https://x/a.webp", ""},
		{"fallback url field", jsonResp(200, `{"data":{"status":"completed","result_url":"https://x/r.jpg"}}`), JobStatusSucceeded, "https://x/r.jpg", ""},
		{"top-level status and processed_url", jsonResp(200, `{"status":"DONE","processed_url":"https://x/p.jpg"}`), JobStatusSucceeded, "https://x/p.jpg", ""},
		{"succeeded without url", progress("succeeded", "", ""), JobStatusFailed, "", "no retrievable URL"},
		{"failed", jsonResp(200, `{"data":{"status":"failed","error":"nsfw"}}`), JobStatusFailed, "", "nsfw"},
		{"pending token", progress("in_queue"), JobStatusPending, "", ""},
		{"absent status", jsonResp(200, `{"data":{}}`), JobStatusPending, "", ""},
		{"non-json 200", jsonResp(200, `working on it`), JobStatusPending, "", ""},
		{"http rejection", jsonResp(401, `{"msg":"bad key"}`), JobStatusFailed, "", "bad key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPoller(&scriptedSource{responses: []*provider.Response{tt.resp}}, testLayout())
			st, err := p.Check(context.Background(), "t1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.State)
			assert.Equal(t, tt.url, st.ResultURL)
			if tt.detailIn != "" {
				assert.Contains(t, st.Detail, tt.detailIn)
			}
		})
	}
}

func TestCheck_HTTPRejectionKeepsStatus(t *testing.T) {
	p := NewPoller(&scriptedSource{responses: []*provider.Response{jsonResp(404, "not found")}}, testLayout())
	st, err := p.Check(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 404, st.HTTPStatus)
	assert.Equal(t, JobStatusFailed, st.State)
	assert.Equal(t, "status check failed: not found", st.Detail)
}

func TestCheck_TerminalIsIdempotent(t *testing.T) {
	src := &scriptedSource{responses: []*provider.Response{progress("succeed", "https://x/a.webp")}}
	p := NewPoller(src, testLayout())
	for i := 0; i < 5; i++ {
		st, err := p.Check(context.Background(), "t1")
		require.NoError(t, err)
		assert.Equal(t, JobStatusSucceeded, st.State)
		assert.Equal(t, "https://x/a.webp", st.ResultURL)
	}
}

func TestPollUntilDone_SucceedsAfterPending(t *testing.T) {
	src := &scriptedSource{responses: []*provider.Response{
		progress("waiting"),
		progress("processing"),
		progress("succeed", "", "https://x/a.webp"),
	}}
	clock := newFakeClock()
	p := NewPoller(src, testLayout(), WithClock(clock))

	out, err := p.PollUntilDone(context.Background(), "task-9", PollOptions{Deadline: 30 * time.Second, Interval: 1500 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, out.Kind)
	assert.Equal(t, "https://x/a.webp", out.ResultURL)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3*time.Second, out.Elapsed)
	assert.Equal(t, "/get_task_progress/task-9", src.paths[0])
}

func TestPollUntilDone_TimesOut(t *testing.T) {
	src := &scriptedSource{responses: []*provider.Response{progress("processing")}}
	p := NewPoller(src, testLayout(), WithClock(newFakeClock()))

	out, err := p.PollUntilDone(context.Background(), "t1", PollOptions{Deadline: 5 * time.Second, Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, out.Kind)
	assert.InDelta(t, 5, out.Attempts, 1)
}

func TestPollUntilDone_StopsOnFailure(t *testing.T) {
	src := &scriptedSource{responses: []*provider.Response{
		progress("waiting"),
		jsonResp(200, `{"data":{"status":"error"}}`),
		progress("succeed", "https://x/never.webp"),
	}}
	p := NewPoller(src, testLayout(), WithClock(newFakeClock()))

	out, err := p.PollUntilDone(context.Background(), "t1", PollOptions{Deadline: time.Minute, Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, 2, out.Attempts)
	assert.Len(t, src.paths, 2, "no polling after a terminal state")
	assert.Contains(t, out.Reason, `"status":"error"`)
}

func TestPollUntilDone_StatusEndpointRejection(t *testing.T) {
	src := &scriptedSource{responses: []*provider.Response{
		progress("waiting"),
		jsonResp(500, `internal boom`),
	}}
	p := NewPoller(src, testLayout(), WithClock(newFakeClock()))

	out, err := p.PollUntilDone(context.Background(), "t1", PollOptions{Deadline: time.Minute, Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, 500, out.HTTPStatus)
	assert.Contains(t, out.Reason, "internal boom")
	assert.Len(t, src.paths, 2)
}

func TestPollUntilDone_TransportError(t *testing.T) {
	src := &scriptedSource{
		responses: []*provider.Response{progress("waiting")},
		errs:      []error{nil, errors.New("connection reset")},
	}
	p := NewPoller(src, testLayout(), WithClock(newFakeClock()))

	out, err := p.PollUntilDone(context.Background(), "t1", PollOptions{Deadline: time.Minute, Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Contains(t, out.Reason, "connection reset")
}

func TestPollUntilDone_BudgetCappedCallTimesOut(t *testing.T) {
	src := &scriptedSource{
		responses: []*provider.Response{progress("waiting")},
		errs:      []error{fmt.Errorf("provider: GET: %w", context.DeadlineExceeded)},
	}
	// Request timeout larger than the whole deadline, so the deadline caps the call.
	p := NewPoller(src, testLayout(), WithClock(newFakeClock()), WithRequestTimeout(time.Minute))

	out, err := p.PollUntilDone(context.Background(), "t1", PollOptions{Deadline: 2 * time.Second, Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, out.Kind)
}

func TestPollUntilDone_CallerCancellation(t *testing.T) {
	src := &scriptedSource{responses: []*provider.Response{progress("waiting")}}
	p := NewPoller(src, testLayout(), WithClock(newFakeClock()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.PollUntilDone(ctx, "t1", PollOptions{Deadline: time.Minute, Interval: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRealClock_SleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := realClock{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
