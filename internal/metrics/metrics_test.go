package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/fullstack-deploy/internal/version"
)

func family(t *testing.T, m *DeployMetrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %q not gathered", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestNew_GoCollectorPresent(t *testing.T) {
	m := New()
	family(t, m, "go_goroutines")
}

func TestObserveUpload_SplitsByResult(t *testing.T) {
	m := New()
	m.ObserveUpload(100, 10*time.Millisecond, nil)
	m.ObserveUpload(50, 5*time.Millisecond, nil)
	m.ObserveUpload(0, 0, errors.New("boom"))

	got := map[string]float64{}
	for _, mt := range family(t, m, "fullstack_object_uploads_total").GetMetric() {
		got[labelValue(mt, "result")] = mt.GetCounter().GetValue()
	}
	if got["ok"] != 2 || got["error"] != 1 {
		t.Fatalf("uploads by result = %v", got)
	}

	bytes := family(t, m, "fullstack_object_upload_bytes_total").GetMetric()[0].GetCounter().GetValue()
	if bytes != 150 {
		t.Fatalf("bytes = %v, want 150", bytes)
	}
	hist := family(t, m, "fullstack_object_upload_duration_seconds").GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 2 {
		t.Fatalf("duration samples = %d, want 2", hist.GetSampleCount())
	}
}

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.AddObjectsDeleted(1000)
	m.AddObjectsDeleted(5)
	m.AddDeleteErrors(2)
	m.IncInvalidationPolls()
	m.IncInvalidationPolls()
	m.IncInvalidation("completed")

	if v := family(t, m, "fullstack_objects_deleted_total").GetMetric()[0].GetCounter().GetValue(); v != 1005 {
		t.Errorf("deleted = %v", v)
	}
	if v := family(t, m, "fullstack_object_delete_errors_total").GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("delete errors = %v", v)
	}
	if v := family(t, m, "fullstack_invalidation_polls_total").GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("polls = %v", v)
	}
	inv := family(t, m, "fullstack_invalidations_total").GetMetric()[0]
	if labelValue(inv, "outcome") != "completed" || inv.GetCounter().GetValue() != 1 {
		t.Errorf("invalidations = %v", inv)
	}
}

func TestInvalidationOutcomes_MatchHelp(t *testing.T) {
	m := New()
	outcomes := []string{"completed", "skipped", "error"}
	for _, o := range outcomes {
		m.IncInvalidation(o)
	}
	fam := family(t, m, "fullstack_invalidations_total")
	if len(fam.GetMetric()) != len(outcomes) {
		t.Fatalf("series = %d, want %d", len(fam.GetMetric()), len(outcomes))
	}
	for _, o := range outcomes {
		if !strings.Contains(fam.GetHelp(), o) {
			t.Errorf("help %q does not name outcome %q", fam.GetHelp(), o)
		}
	}
}

func TestObserveStage_LabelsStage(t *testing.T) {
	m := New()
	m.ObserveStage("upload", time.Second)
	m.ObserveStage("invalidate", 2*time.Second)

	stages := map[string]uint64{}
	for _, mt := range family(t, m, "fullstack_stage_duration_seconds").GetMetric() {
		stages[labelValue(mt, "stage")] = mt.GetHistogram().GetSampleCount()
	}
	if stages["upload"] != 1 || stages["invalidate"] != 1 {
		t.Fatalf("stages = %v", stages)
	}
}

func TestSetBuildInfo(t *testing.T) {
	m := New()
	m.SetBuildInfo(version.Info{Version: "1.2.3", Commit: "abc", GoVersion: "go1.24", VCSDirty: true})

	mt := family(t, m, "fullstack_build_info").GetMetric()[0]
	if labelValue(mt, "version") != "1.2.3" || labelValue(mt, "vcs_dirty") != "true" {
		t.Fatalf("labels = %v", mt.GetLabel())
	}
	if labelValue(mt, "app") != version.AppName {
		t.Fatalf("app label = %q", labelValue(mt, "app"))
	}
}

func TestPush_SendsGroupedMetrics(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.MarkSuccess(time.Unix(1700000000, 0))
	if err := m.Push(context.Background(), srv.URL, "fullstack", "shop", "prod"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotPath != "/metrics/job/fullstack/service/shop/stage/prod" {
		t.Errorf("path = %s", gotPath)
	}
	if len(gotBody) == 0 {
		t.Error("push body empty")
	}
}

func TestPush_GatewayErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New().Push(context.Background(), srv.URL, "fullstack", "shop", "prod")
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected 500 error, got %v", err)
	}
}
