package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/servicekit/internal/runtime/alert"
	"github.com/drblury/servicekit/internal/runtime/config"
	"github.com/drblury/servicekit/internal/runtime/httpserver"
	"github.com/drblury/servicekit/internal/runtime/logging"
	"github.com/drblury/servicekit/internal/runtime/worker"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = -1
	cfg.Broker.FetchWait = 50 * time.Millisecond
	cfg.HTTP.Host = "127.0.0.1"
	cfg.Alert.FlushTimeout = 100 * time.Millisecond
	return cfg
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) Codes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func newTestRuntime(t *testing.T, mutate ...func(*config.Config)) (*Runtime, *exitRecorder) {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	exits := &exitRecorder{}
	rt, err := NewRuntime(context.Background(), cfg, logging.Discard(), WithExit(exits.exit))
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt, exits
}

// startService starts obj on a free port reachable at 127.0.0.1.
func startService(t *testing.T, rt *Runtime, obj any, args ...string) *Service {
	t.Helper()
	svc, err := NewService(rt, obj)
	require.NoError(t, err)
	args = append([]string{"--domain", "http://127.0.0.1"}, args...)
	require.NoError(t, svc.Start(context.Background(), args...))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func alerts(t *testing.T, rt *Runtime) <-chan alert.Record {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	records, err := rt.Alerts().Subscribe(ctx)
	require.NoError(t, err)
	return records
}

// nextAlert returns the next record from source, skipping others.
func nextAlert(t *testing.T, records <-chan alert.Record, source string) alert.Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-records:
			if r.Source == source {
				return r
			}
		case <-deadline:
			t.Fatalf("no alert from %s", source)
			return alert.Record{}
		}
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if v != nil && resp.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(body, v), string(body))
	}
	return resp.StatusCode
}

// placesService only serves HTTP.
type placesService struct{}

func (*placesService) ServiceName() string { return "PlacesService" }

func (*placesService) Capabilities(r *Registry) {
	r.Routes(httpserver.Group("/places",
		httpserver.GET("/{name}", func(c *httpserver.Context) error {
			return c.JSON(map[string]string{"place": c.Param("name")})
		}),
	))
}

// scheduleService publishes stage announcements.
type scheduleService struct {
	out *worker.Queue
}

func newScheduleService() *scheduleService {
	return &scheduleService{out: worker.NewQueue()}
}

func (*scheduleService) ServiceName() string { return "ScheduleService" }

func (s *scheduleService) Capabilities(r *Registry) {
	r.Publish("announce", "queue://stages", s.out)
	r.Routes(httpserver.Group("/schedule",
		httpserver.POST("/{stage}", func(c *httpserver.Context) error {
			s.out.Offer(c.Param("stage"))
			return c.Status(http.StatusAccepted).NoContent()
		}),
	))
}

// stageService records stages it is told about.
type stageService struct {
	mu   sync.Mutex
	seen []string
	fail string
	got  chan string
}

func newStageService() *stageService {
	return &stageService{got: make(chan string, 64)}
}

func (*stageService) ServiceName() string { return "StageService" }

func (s *stageService) Capabilities(r *Registry) {
	r.Listen("onStage", "queue://stages", s.onStage)
	r.Routes(httpserver.Group("/stages",
		httpserver.GET("", func(c *httpserver.Context) error {
			return c.JSON(s.Seen())
		}),
	))
}

func (s *stageService) onStage(payload string) error {
	if payload == s.fail {
		return errors.New("stage " + payload + " is unknown")
	}
	s.mu.Lock()
	s.seen = append(s.seen, payload)
	s.mu.Unlock()
	s.got <- payload
	return nil
}

func (s *stageService) Seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func (s *stageService) wait(t *testing.T, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		select {
		case p := <-s.got:
			out = append(out, p)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d stages: %v", len(out), n, out)
		}
	}
	return out
}

func serviceURL(s *Service, path string) string {
	return fmt.Sprintf("%s%s", s.URL(), path)
}
