package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTrack(t *testing.T) {
	before := testutil.ToFloat64(TracksTransferred.WithLabelValues(ResultExists))
	RecordTrack(ResultExists)
	RecordTrack(ResultExists)
	after := testutil.ToFloat64(TracksTransferred.WithLabelValues(ResultExists))
	if after-before != 2 {
		t.Fatalf("expected counter to grow by 2, got %v", after-before)
	}
}

func TestMoveSession(t *testing.T) {
	MoveSession("", "connected")
	MoveSession("connected", "transferring")
	if v := testutil.ToFloat64(Sessions.WithLabelValues("transferring")); v < 1 {
		t.Fatalf("expected transferring gauge to be set, got %v", v)
	}
	MoveSession("transferring", "")
}

func TestRecordDeletionSkipsZero(t *testing.T) {
	before := testutil.ToFloat64(DeletedItems.WithLabelValues("failed"))
	RecordDeletion(3, 0)
	if got := testutil.ToFloat64(DeletedItems.WithLabelValues("failed")); got != before {
		t.Fatalf("expected failed counter unchanged")
	}
	RecordBatch(time.Second)
}
